package platform

import (
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// CurrentConfigVersion is the config API version written by this release.
const CurrentConfigVersion = "v1"

// supportedConfigVersions lists every apiVersion ParseConfig accepts.
var supportedConfigVersions = []string{CurrentConfigVersion}

// PeekVersion reads apiVersion from raw YAML without parsing the rest.
// A missing, empty or unreadable field means the current version.
func PeekVersion(data []byte) string {
	var envelope struct {
		APIVersion string `yaml:"apiVersion"`
	}
	if err := yaml.Unmarshal(data, &envelope); err != nil || envelope.APIVersion == "" {
		return CurrentConfigVersion
	}
	return envelope.APIVersion
}

// checkVersion rejects an apiVersion this release cannot load.
func checkVersion(version string) error {
	if slices.Contains(supportedConfigVersions, version) {
		return nil
	}
	return fmt.Errorf("unsupported config apiVersion %q; supported versions: %s",
		version, strings.Join(supportedConfigVersions, ", "))
}
