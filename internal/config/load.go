package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadServer reads a YAML server config. Unknown keys are rejected.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.Complete()
	return cfg, cfg.Validate()
}

// LoadClient reads a YAML client config. Unknown keys are rejected.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.Complete()
	return cfg, cfg.Validate()
}

func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
