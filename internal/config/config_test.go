package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("server.addr = %q", cfg.Server.Addr)
	}
	if cfg.Download.Folder != "downloads" || cfg.Download.ConcurrentLimit != 3 || cfg.Download.MaxSpeedKbps != 0 {
		t.Errorf("download = %+v", cfg.Download)
	}
	if cfg.Download.RequestTimeout != 30*time.Second || cfg.Download.SaveInterval != 2*time.Second {
		t.Errorf("durations = %s %s", cfg.Download.RequestTimeout, cfg.Download.SaveInterval)
	}
	if cfg.Download.ChunkSize != 262144 || !cfg.Download.ResumeOnStart {
		t.Errorf("download = %+v", cfg.Download)
	}
	if !strings.Contains(cfg.Download.UserAgent, "TermoLoad/1.0") {
		t.Errorf("useragent = %q", cfg.Download.UserAgent)
	}
	if cfg.Torrent.MetadataTimeout != time.Minute || cfg.Torrent.PollInterval != time.Second || cfg.Torrent.Seed {
		t.Errorf("torrent = %+v", cfg.Torrent)
	}
	if !cfg.Media.Enabled || cfg.Media.Workers != 2 {
		t.Errorf("media = %+v", cfg.Media)
	}
	if cfg.ArchiveEnabled() {
		t.Error("archive enabled without a bucket")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TERMOLOAD_DOWNLOAD_CONCURRENTLIMIT", "5")
	t.Setenv("TERMOLOAD_DOWNLOAD_MAXSPEEDKBPS", "512")
	t.Setenv("TERMOLOAD_DOWNLOAD_REQUESTTIMEOUT", "45s")
	t.Setenv("TERMOLOAD_DOWNLOAD_RESUMEONSTART", "false")
	t.Setenv("TERMOLOAD_TORRENT_SEED", "true")
	t.Setenv("TERMOLOAD_STORAGE_BUCKET", "media")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Download.ConcurrentLimit != 5 || cfg.Download.MaxSpeedKbps != 512 {
		t.Errorf("download = %+v", cfg.Download)
	}
	if cfg.Download.RequestTimeout != 45*time.Second || cfg.Download.ResumeOnStart {
		t.Errorf("download = %+v", cfg.Download)
	}
	if !cfg.Torrent.Seed {
		t.Error("torrent.seed not applied")
	}
	if !cfg.ArchiveEnabled() {
		t.Error("archive disabled with a bucket")
	}
}

func TestLoadRejectsInvalidLimits(t *testing.T) {
	cases := []struct {
		name, key, value string
	}{
		{"zero concurrency", "TERMOLOAD_DOWNLOAD_CONCURRENTLIMIT", "0"},
		{"negative speed", "TERMOLOAD_DOWNLOAD_MAXSPEEDKBPS", "-1"},
		{"zero chunk", "TERMOLOAD_DOWNLOAD_CHUNKSIZE", "0"},
		{"zero workers", "TERMOLOAD_MEDIA_WORKERS", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%s accepted", tc.key, tc.value)
			}
		})
	}
}

func TestLoadDotEnvKeepsExistingVariables(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	content := "# local overrides\nexport TERMOLOAD_SERVER_ADDR=\"0.0.0.0:9000\"\nTERMOLOAD_LOG_LEVEL=debug\nbroken line\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TERMOLOAD_LOG_LEVEL", "warn")
	// registers cleanup for a variable the .env file sets
	t.Setenv("TERMOLOAD_SERVER_ADDR", "")
	os.Unsetenv("TERMOLOAD_SERVER_ADDR")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("server.addr = %q", cfg.Server.Addr)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
}
