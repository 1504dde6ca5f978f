package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Log struct {
		Level string
	}
	Database struct {
		Path string
	}
	Download struct {
		Folder          string
		ConcurrentLimit int
		MaxSpeedKbps    int
		UserAgent       string
		RequestTimeout  time.Duration
		ChunkSize       int
		StateFile       string
		SaveInterval    time.Duration
		ResumeOnStart   bool
	}
	Torrent struct {
		MetadataTimeout time.Duration
		PollInterval    time.Duration
		Seed            bool
		ListenPort      int
		DataDir         string
		// Trackers empty means the built-in public list.
		Trackers []string
	}
	Media struct {
		Enabled bool
		Workers int
		Format  string
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
}

// ArchiveEnabled reports whether completed artifacts are uploaded.
func (c Config) ArchiveEnabled() bool {
	return strings.TrimSpace(c.Storage.Bucket) != ""
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("TERMOLOAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.path", "data/termoload.db")
	v.SetDefault("download.folder", "downloads")
	v.SetDefault("download.concurrentlimit", 3)
	v.SetDefault("download.maxspeedkbps", 0)
	v.SetDefault("download.useragent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) TermoLoad/1.0")
	v.SetDefault("download.requesttimeout", "30s")
	v.SetDefault("download.chunksize", 256*1024)
	v.SetDefault("download.statefile", "data/downloads_state.json")
	v.SetDefault("download.saveinterval", "2s")
	v.SetDefault("download.resumeonstart", true)
	v.SetDefault("torrent.metadatatimeout", "60s")
	v.SetDefault("torrent.pollinterval", "1s")
	v.SetDefault("torrent.seed", false)
	v.SetDefault("torrent.listenport", 0)
	v.SetDefault("torrent.datadir", "data/torrents")
	v.SetDefault("torrent.trackers", []string{})
	v.SetDefault("media.enabled", true)
	v.SetDefault("media.workers", 2)
	v.SetDefault("media.format", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "termoload")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Download.ConcurrentLimit < 1:
		return fmt.Errorf("download.concurrentlimit must be at least 1, got %d", c.Download.ConcurrentLimit)
	case c.Download.MaxSpeedKbps < 0:
		return fmt.Errorf("download.maxspeedkbps must not be negative, got %d", c.Download.MaxSpeedKbps)
	case c.Download.ChunkSize <= 0:
		return fmt.Errorf("download.chunksize must be positive, got %d", c.Download.ChunkSize)
	case c.Download.RequestTimeout <= 0:
		return fmt.Errorf("download.requesttimeout must be positive, got %s", c.Download.RequestTimeout)
	case c.Download.SaveInterval <= 0:
		return fmt.Errorf("download.saveinterval must be positive, got %s", c.Download.SaveInterval)
	case c.Torrent.MetadataTimeout <= 0:
		return fmt.Errorf("torrent.metadatatimeout must be positive, got %s", c.Torrent.MetadataTimeout)
	case c.Torrent.PollInterval <= 0:
		return fmt.Errorf("torrent.pollinterval must be positive, got %s", c.Torrent.PollInterval)
	case c.Media.Workers < 1:
		return fmt.Errorf("media.workers must be at least 1, got %d", c.Media.Workers)
	}
	return nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.Trim(strings.TrimSpace(line[idx+1:]), `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
