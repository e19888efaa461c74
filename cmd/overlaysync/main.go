// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command overlaysync keeps an analysis server's view of open editor
// documents in sync and serves folding ranges back to editors.
//
// Usage:
//
//	overlaysync serve --config overlaysync.yaml
//	overlaysync replay --events session.jsonl --dry-run
//	overlaysync version
//
// Example requests against a running serve:
//
//	curl http://127.0.0.1:7457/v1/overlay/health
//	curl 'http://127.0.0.1:7457/v1/overlay/folding?uri=file:///p/lib/main.dart'
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "overlaysync: %v\n", err)
		os.Exit(1)
	}
}
