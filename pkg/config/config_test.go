package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"github.com/familysync/corekit/internal/testutil"
)

func TestDefaultMatchesDocumentedValues(t *testing.T) {
	c := Default()
	if c.Sync.ChunkTimeoutMS != 5000 {
		t.Fatalf("unexpected ChunkTimeoutMS: %d", c.Sync.ChunkTimeoutMS)
	}
	if c.Sync.WallClockTimeoutS != 60 {
		t.Fatalf("unexpected WallClockTimeoutS: %d", c.Sync.WallClockTimeoutS)
	}
	if c.Sync.MaxRetryAttempts != 3 {
		t.Fatalf("unexpected MaxRetryAttempts: %d", c.Sync.MaxRetryAttempts)
	}
	if c.Merge.Preference != "manual" {
		t.Fatalf("unexpected default preference: %q", c.Merge.Preference)
	}
}

func TestLoadFallsBackToDefaultsWithoutConfigFiles(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.Window != 8 {
		t.Fatalf("expected default window to survive an empty sandbox, got %d", cfg.Sync.Window)
	}
}

func TestLoadMergesConfigFileOverrides(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0o700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	data := []byte("sync:\n  window: 16\nmerge:\n  preference: prefer_local\n")
	if err := sb.WriteFile("config/default.yaml", data, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.Window != 16 {
		t.Fatalf("expected overridden window 16, got %d", cfg.Sync.Window)
	}
	if cfg.Merge.Preference != "prefer_local" {
		t.Fatalf("expected overridden preference, got %q", cfg.Merge.Preference)
	}
}

func TestLoadFromEnvReadsEnvironmentVariable(t *testing.T) {
	t.Setenv("FAMILYSYNC_ENV", "")
	viper.Reset()
	if _, err := LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}
}
