package main

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestSplitPeers(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"host-a:7447", 1},
		{"host-a:7447,host-b:7447", 2},
		{" host-a:7447 , ,host-b:7447 ", 2},
	}
	for _, tc := range cases {
		got := splitPeers(tc.in)
		if len(got) != tc.want {
			t.Errorf("splitPeers(%q) = %v, want %d entries", tc.in, got, tc.want)
		}
	}
}

func TestFileConfigParsing(t *testing.T) {
	data := []byte(`
node_id: node-1
listen: ":7447"
peers:
  - "host-b:7447"
metrics_listen: ":9100"
workers: 4
query_timeout: "5s"
log_level: debug
`)
	path := filepath.Join(t.TempDir(), "keymesh.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}

	if cfg.NodeID != "node-1" {
		t.Errorf("Expected node ID 'node-1', got %q", cfg.NodeID)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0] != "host-b:7447" {
		t.Errorf("Expected one peer 'host-b:7447', got %v", cfg.Peers)
	}
	if cfg.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", cfg.Workers)
	}
	if cfg.QueryTimeout != "5s" {
		t.Errorf("Expected query timeout '5s', got %q", cfg.QueryTimeout)
	}
}

func TestDefaultNodeID(t *testing.T) {
	if defaultNodeID() == "" {
		t.Error("Expected non-empty default node ID")
	}
}
