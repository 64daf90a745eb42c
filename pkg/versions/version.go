// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package versions provides build version information.
package versions

import (
	"fmt"
	"runtime"
	"time"
)

const unknownStr = "unknown"

// Set by the linker at build time.
var (
	// Version is the release version.
	Version = "dev"
	// Commit is the git commit the binary was built from.
	Commit = unknownStr
	// BuildDate is the RFC 3339 build timestamp.
	BuildDate = unknownStr
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo assembles the version info. A "dev" version is replaced with
// a build-<shortcommit> pseudo-version; parseable build dates are normalized
// to UTC.
func GetVersionInfo() VersionInfo {
	version := Version
	if version == "dev" {
		if Commit != unknownStr && Commit != "" {
			short := Commit
			if len(short) > 8 {
				short = short[:8]
			}
			version = "build-" + short
		} else {
			version = "build-unknown"
		}
	}

	buildDate := BuildDate
	if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
		buildDate = t.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	return VersionInfo{
		Version:   version,
		Commit:    Commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
