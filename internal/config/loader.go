package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Dump renders the effective configuration as YAML under the `wlanrx:` root key.
func Dump(cfg *GlobalConfig) ([]byte, error) {
	root := map[string]*GlobalConfig{"wlanrx": cfg}
	data, err := yaml.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return data, nil
}
