package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the agent configuration file
type Config struct {
	DataDir    string `yaml:"data_dir"`
	RulesDir   string `yaml:"rules_dir"`
	PolicyFile string `yaml:"policy_file"`
	BPFObject  string `yaml:"bpf_object"`
}

func defaultConfig() *Config {
	return &Config{
		DataDir:  "data",
		RulesDir: "rules",
	}
}

// loadConfig reads the config file; a missing file just means defaults
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %v", path, err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.RulesDir == "" {
		cfg.RulesDir = "rules"
	}
	return cfg, nil
}
