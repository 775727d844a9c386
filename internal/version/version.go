// Package version reports the build version.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Override is set at link time with -ldflags "-X .../internal/version.Override=v1.2.3".
var Override string

// Get returns the current version, with whitespace trimmed
func Get() string {
	if Override != "" {
		return Override
	}
	return strings.TrimSpace(versionContent)
}
