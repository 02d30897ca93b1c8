package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFromFileDefaults(t *testing.T) {
	t.Setenv("STORE", "")
	t.Setenv("FRAME_INTERVAL", "")
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.FrameInterval != 2.0 {
		t.Errorf("frame interval = %v, want 2", cfg.FrameInterval)
	}
	if cfg.Store != "memory" || cfg.JobStore != "memory" {
		t.Errorf("store=%q job_store=%q, want memory/memory", cfg.Store, cfg.JobStore)
	}
	if cfg.EmbeddingBatchSize != 32 {
		t.Errorf("batch size = %d, want 32", cfg.EmbeddingBatchSize)
	}
	if cfg.ReindexPolicy != "append" {
		t.Errorf("reindex policy = %q, want append", cfg.ReindexPolicy)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"store":"pgvector","frame_interval":5,"reindex_policy":"replace","cassandra_hosts":["a","b"]}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STORE", "milvus")
	t.Setenv("CASSANDRA_HOSTS", "")
	t.Setenv("FRAME_INTERVAL", "")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Store != "milvus" {
		t.Errorf("store = %q, want env override milvus", cfg.Store)
	}
	if cfg.FrameInterval != 5 {
		t.Errorf("frame interval = %v, want 5", cfg.FrameInterval)
	}
	if cfg.ReindexPolicy != "replace" {
		t.Errorf("reindex policy = %q", cfg.ReindexPolicy)
	}
	if len(cfg.CassandraHosts) != 2 {
		t.Errorf("cassandra hosts = %v", cfg.CassandraHosts)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.EmbeddingProvider = "openai"
	cfg.APIKey = ""
	cfg.Store = "qdrant"
	cfg.ReindexPolicy = "merge"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"api_key", "unknown store", "reindex_policy"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfigCachesUntilReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("COLLECTION", "")
	ResetForTesting()
	defer ResetForTesting()

	if err := os.WriteFile(path, []byte(`{"collection":"first"}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"collection":"second"}`), 0644); err != nil {
		t.Fatal(err)
	}
	again, _ := LoadConfig()
	if again != cfg || again.Collection != "first" {
		t.Fatalf("expected cached config, got %q", again.Collection)
	}

	ResetForTesting()
	fresh, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Collection != "second" {
		t.Fatalf("collection = %q after reset", fresh.Collection)
	}
}
