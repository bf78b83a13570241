// Package version carries build information for the node.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Set at build time with -ldflags "-X .../version.Version=v1.2.3".
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var semverPattern = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// Info is the build information reported by the API.
type Info struct {
	Version   string `json:"version"`
	BuildTime string `json:"buildTime"`
	GitCommit string `json:"gitCommit"`
	Firmware  uint16 `json:"firmware"`
}

// Get returns the running build's information.
func Get() Info {
	fw, _ := Firmware(Version)
	return Info{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
		Firmware:  fw,
	}
}

// validateVersion checks if the version string is valid semver format
func validateVersion(version string) error {
	if !semverPattern.MatchString(version) {
		return fmt.Errorf("invalid version format: %s (must be semver format, e.g., v1.0.0 or 1.2.3)", version)
	}
	return nil
}

// Firmware packs major and minor into the 16-bit firmware revision sent in
// ArtPollReply. Components above 255 saturate.
func Firmware(version string) (uint16, error) {
	if err := validateVersion(version); err != nil {
		return 0, err
	}
	m := semverPattern.FindStringSubmatch(version)
	major, minor := component(m[1]), component(m[2])
	return uint16(major)<<8 | uint16(minor), nil
}

func component(s string) uint8 {
	n, err := strconv.Atoi(strings.TrimLeft(s, "0"))
	if err != nil {
		// all zeros
		return 0
	}
	if n > 255 {
		return 255
	}
	return uint8(n)
}
