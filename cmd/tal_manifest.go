package cmd

import (
	"os"

	"gopkg.in/yaml.v3"
)

// TALManifest is an optional YAML sidecar to the primary JSON Config. It
// lets an operator pin the exact set of trust anchors to load (instead of
// scanning TALDir wholesale) and override the VRP history retention
// window, without touching the JSON file machine-managed deploys render.
// This mirrors the teacher's dual JSON/YAML config posture: one strict
// machine-rendered file, one hand-edited operator overlay.
type TALManifest struct {
	// TALFiles, if non-empty, replaces TALDir scanning with an explicit,
	// ordered list of .tal files to load.
	TALFiles []string `yaml:"talFiles"`

	// HistoryDepth, if non-zero, overrides Config.HistoryDepth.
	HistoryDepth int `yaml:"historyDepth"`
}

// LoadTALManifest reads and parses a TALManifest from path.
func LoadTALManifest(path string) (*TALManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m TALManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
