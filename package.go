// Package jclouds wires the polling core to a provider backend and exposes
// it through the jclouds-poll command line and HTTP API.
package jclouds

import (
	"fmt"
	"os"
	"path/filepath"
)

var (
	// VersionString is the git describe version set at build time
	VersionString = "?"
	// RevisionString is the git revision set at build time
	RevisionString = "?"
	// GeneratedString is the build date set at build time
	GeneratedString = "?"
	// CopyrightString is the copyright set at build time
	CopyrightString = "?"
)

func init() {
	if VersionString == "?" {
		VersionString = "dev"
	}
}

// ShortVersionString is the name and version of the running binary.
func ShortVersionString() string {
	return fmt.Sprintf("%s %s", filepath.Base(os.Args[0]), VersionString)
}
