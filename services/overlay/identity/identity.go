// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity derives stable file identities from editor locations.
//
// A FileID is the canonical absolute path of a file. It keys both the overlay
// batches sent to the analysis server and the artifact cache, so two
// spellings of the same file (percent-encoded URIs, upper-case drive letters,
// redundant separators) must resolve to the same FileID.
package identity

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"runtime"
	"strings"
)

// Sentinel errors for identity resolution.
var (
	// ErrUnsupportedScheme indicates a URI that does not name a local file.
	ErrUnsupportedScheme = errors.New("unsupported uri scheme")

	// ErrRelativePath indicates a path that is not absolute.
	ErrRelativePath = errors.New("path is not absolute")

	// ErrInvalidURI indicates a URI that cannot be parsed.
	ErrInvalidURI = errors.New("invalid uri")
)

// FileID is the canonical absolute path identifying one file.
type FileID string

// String returns the path.
func (id FileID) String() string { return string(id) }

// Resolver converts URIs and paths into FileIDs.
//
// Thread Safety:
//
//	Immutable after construction; safe for concurrent use.
type Resolver struct {
	windows         bool
	caseInsensitive bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithWindowsPaths selects Windows path syntax (drive letters, backslashes).
// The default follows runtime.GOOS.
func WithWindowsPaths(windows bool) Option {
	return func(r *Resolver) { r.windows = windows }
}

// WithCaseInsensitive folds the whole path to lower case. Use it on file
// systems where "A.dart" and "a.dart" name the same file.
//
// The folded FileID is also the key overlays are sent under, so the
// analysis server sees the lower-cased spelling. A server that matches
// files against case-sensitive analysis roots will not recognise them.
// Folding is off unless requested.
func WithCaseInsensitive(fold bool) Option {
	return func(r *Resolver) { r.caseInsensitive = fold }
}

// NewResolver creates a resolver for the host platform.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{windows: runtime.GOOS == "windows"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FromURI resolves an editor URI to a FileID.
//
// Description:
//
//	Only the "file" scheme is accepted. Percent-encoding is decoded, the path
//	is cleaned, and platform normalization is applied. On Windows a URI host
//	becomes a UNC share.
//
// Inputs:
//
//	uri - The document URI (e.g. "file:///home/u/a.dart").
//
// Outputs:
//
//	FileID - The canonical identity.
//	error - ErrInvalidURI, ErrUnsupportedScheme, or ErrRelativePath.
func (r *Resolver) FromURI(uri string) (FileID, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if !strings.EqualFold(u.Scheme, "file") {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	p := u.Path
	host := u.Host
	if strings.EqualFold(host, "localhost") {
		host = ""
	}

	if r.windows {
		if host != "" {
			return r.normalize(`\\` + host + strings.ReplaceAll(p, "/", `\`))
		}
		// "/C:/x" -> "C:/x"
		if len(p) >= 3 && p[0] == '/' && isDriveLetter(p[1]) && p[2] == ':' {
			p = p[1:]
		}
		return r.normalize(p)
	}

	if host != "" {
		return "", fmt.Errorf("%w: remote host %q", ErrUnsupportedScheme, host)
	}
	return r.normalize(p)
}

// FromPath resolves an absolute file system path to a FileID.
func (r *Resolver) FromPath(p string) (FileID, error) {
	return r.normalize(p)
}

// ToURI returns a file URI for the identity.
func (r *Resolver) ToURI(id FileID) string {
	p := string(id)
	u := &url.URL{Scheme: "file"}
	if r.windows {
		p = strings.ReplaceAll(p, `\`, "/")
		if strings.HasPrefix(p, "//") {
			rest := strings.TrimPrefix(p, "//")
			host, tail, _ := strings.Cut(rest, "/")
			u.Host = host
			u.Path = "/" + tail
			return u.String()
		}
		p = "/" + p
	}
	u.Path = p
	return u.String()
}

func (r *Resolver) normalize(p string) (FileID, error) {
	if r.windows {
		return r.normalizeWindows(p)
	}
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrRelativePath, p)
	}
	cleaned := path.Clean(p)
	if r.caseInsensitive {
		cleaned = strings.ToLower(cleaned)
	}
	return FileID(cleaned), nil
}

func (r *Resolver) normalizeWindows(p string) (FileID, error) {
	slashed := strings.ReplaceAll(p, `\`, "/")

	var prefix, rest string
	switch {
	case strings.HasPrefix(slashed, "//"):
		// UNC: //server/share/...
		parts := strings.SplitN(strings.TrimPrefix(slashed, "//"), "/", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("%w: %q", ErrRelativePath, p)
		}
		prefix = "//" + parts[0] + "/" + parts[1]
		if len(parts) == 3 {
			rest = "/" + parts[2]
		}
	case len(slashed) >= 3 && isDriveLetter(slashed[0]) && slashed[1] == ':' && slashed[2] == '/':
		prefix = strings.ToLower(slashed[:2])
		rest = slashed[2:]
	default:
		return "", fmt.Errorf("%w: %q", ErrRelativePath, p)
	}

	if rest == "" {
		rest = "/"
	}
	cleaned := prefix + path.Clean(rest)
	if r.caseInsensitive {
		cleaned = strings.ToLower(cleaned)
	}
	return FileID(strings.ReplaceAll(cleaned, "/", `\`)), nil
}

func isDriveLetter(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}
