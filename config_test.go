package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "data", cfg.DataDir)
	require.Equal(t, "rules", cfg.RulesDir)
	require.Empty(t, cfg.PolicyFile)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/fim
rules_dir: /etc/fim/rules
policy_file: /etc/fim/policy.yaml
bpf_object: /usr/lib/fim/probe.o
`), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/fim", cfg.DataDir)
	require.Equal(t, "/etc/fim/rules", cfg.RulesDir)
	require.Equal(t, "/etc/fim/policy.yaml", cfg.PolicyFile)
	require.Equal(t, "/usr/lib/fim/probe.o", cfg.BPFObject)
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: [unclosed"), 0o644))

	_, err := loadConfig(path)
	require.Error(t, err)
}
