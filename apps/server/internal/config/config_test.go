package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func missingDotenv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	cfg, err := Load(missingDotenv(t))
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.StoreMode != "sqlite" || cfg.WorldFile != "world.yaml" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	st := cfg.Staging()
	if st.DefaultTTLHours != 3 || st.ApprovalTimeout != 30*time.Second || st.NarrativeTimeout != 20*time.Second || st.MaxTTLHours != 168 {
		t.Fatalf("unexpected staging config: %+v", st)
	}
	if cfg.NarrativeReady() {
		t.Fatalf("narrative should not be ready without an api key")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STAGING_APPROVAL_TIMEOUT", "0s")
	t.Setenv("STAGING_DEFAULT_TTL_HOURS", "6")
	t.Setenv("STAGING_NARRATIVE_TEMPERATURE", "0.2")
	t.Setenv("GEMINI_API_KEY", "test-key")
	cfg, err := Load(missingDotenv(t))
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.ApprovalTimeout != 0 || cfg.DefaultTTLHours != 6 || cfg.NarrativeTemperature != 0.2 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !cfg.NarrativeReady() {
		t.Fatalf("narrative should be ready with an api key")
	}
}

func TestLoadDotenvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("STAGING_STORE_MODE=memory\nSTAGING_CACHE_SIZE=12\n"), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	for _, k := range []string{"STAGING_STORE_MODE", "STAGING_CACHE_SIZE"} {
		if v, ok := os.LookupEnv(k); ok {
			t.Setenv(k, v)
			os.Unsetenv(k)
		}
		key := k
		t.Cleanup(func() { os.Unsetenv(key) })
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.StoreMode != "memory" || cfg.CacheSize != 12 {
		t.Fatalf("dotenv not applied: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("STAGING_DEFAULT_TTL_HOURS", "0")
	if _, err := Load(missingDotenv(t)); err == nil {
		t.Fatalf("zero default ttl should be rejected")
	}
	t.Setenv("STAGING_DEFAULT_TTL_HOURS", "3")
	t.Setenv("STAGING_APPROVAL_TIMEOUT", "soon")
	if _, err := Load(missingDotenv(t)); err == nil {
		t.Fatalf("unparseable duration should be rejected")
	}
}
