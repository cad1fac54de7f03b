/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build version information.
package version

import (
	"fmt"
	"runtime"
)

// Version is the current version of chargequeue.
// This is set at build time via ldflags:
//
//	-X github.com/friendsincode/chargequeue/internal/version.Version=X.Y.Z
var Version = "0.1.0"

// Commit is the source revision, set at build time.
var Commit = "unknown"

// String renders version, commit and Go runtime for the version command.
func String() string {
	return fmt.Sprintf("chargequeue %s (commit %s, %s %s/%s)", Version, Commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
