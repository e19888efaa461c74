// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analyzable decides which editor documents are sent to the
// analysis server.
package analyzable

import (
	"net/url"
	"path"
	"strings"
	"sync/atomic"

	"github.com/AleutianAI/overlaysync/services/overlay/document"
)

// Rules select analyzable documents.
//
// A document is analyzable when its URI scheme is listed in Schemes, its
// language ID is listed in LanguageIDs or its extension in Extensions, and no
// path segment matches an Ignore pattern.
type Rules struct {
	// Schemes are accepted URI schemes, compared case-insensitively.
	Schemes []string `yaml:"schemes" validate:"min=1,dive,required"`

	// LanguageIDs are editor language identifiers (e.g. "dart").
	LanguageIDs []string `yaml:"language_ids"`

	// Extensions include the leading dot (e.g. ".dart").
	Extensions []string `yaml:"extensions"`

	// Ignore holds path.Match patterns checked against every path segment.
	Ignore []string `yaml:"ignore"`
}

// DefaultRules returns the rules for Dart projects.
func DefaultRules() Rules {
	return Rules{
		Schemes:     []string{"file"},
		LanguageIDs: []string{"dart"},
		Extensions:  []string{".dart", ".htm", ".html"},
		Ignore:      []string{".dart_tool", ".git", "node_modules"},
	}
}

// Predicate is a hot-swappable analyzable-file filter.
//
// Thread Safety:
//
//	Safe for concurrent use. SetRules may be called from a config watcher
//	while the editor loop evaluates documents.
type Predicate struct {
	rules atomic.Pointer[compiled]
}

type compiled struct {
	schemes     map[string]bool
	languageIDs map[string]bool
	extensions  map[string]bool
	ignore      []string
}

// New creates a predicate with the given rules.
func New(rules Rules) *Predicate {
	p := &Predicate{}
	p.SetRules(rules)
	return p
}

// SetRules replaces the active rules. Documents evaluated afterwards use the
// new rules; documents already synchronized are not re-evaluated.
func (p *Predicate) SetRules(rules Rules) {
	c := &compiled{
		schemes:     make(map[string]bool, len(rules.Schemes)),
		languageIDs: make(map[string]bool, len(rules.LanguageIDs)),
		extensions:  make(map[string]bool, len(rules.Extensions)),
		ignore:      append([]string(nil), rules.Ignore...),
	}
	for _, s := range rules.Schemes {
		c.schemes[strings.ToLower(s)] = true
	}
	for _, id := range rules.LanguageIDs {
		c.languageIDs[id] = true
	}
	for _, ext := range rules.Extensions {
		c.extensions[strings.ToLower(ext)] = true
	}
	p.rules.Store(c)
}

// IsAnalyzable reports whether doc should be synchronized.
func (p *Predicate) IsAnalyzable(doc document.Document) bool {
	if doc == nil {
		return false
	}
	return p.match(string(doc.URI()), doc.LanguageID())
}

// MatchURI applies the rules to a URI without a language ID.
func (p *Predicate) MatchURI(uri string) bool {
	return p.match(uri, "")
}

func (p *Predicate) match(uri, languageID string) bool {
	c := p.rules.Load()

	u, err := url.Parse(uri)
	if err != nil || !c.schemes[strings.ToLower(u.Scheme)] {
		return false
	}

	filePath := u.Path
	if filePath == "" {
		filePath = u.Opaque
	}

	if !c.languageIDs[languageID] && !c.extensions[strings.ToLower(path.Ext(filePath))] {
		return false
	}
	return !c.ignored(filePath)
}

// ignored checks every path segment against the ignore patterns.
func (c *compiled) ignored(filePath string) bool {
	if len(c.ignore) == 0 {
		return false
	}
	for _, segment := range strings.Split(filePath, "/") {
		if segment == "" {
			continue
		}
		for _, pattern := range c.ignore {
			if segment == pattern {
				return true
			}
			if matched, _ := path.Match(pattern, segment); matched {
				return true
			}
		}
	}
	return false
}
