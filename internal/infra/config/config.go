package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// StoreURI selects the artifact store: a plain path or file://
	// for the filesystem, s3://bucket/prefix for MinIO.
	StoreURI string `yaml:"store_uri"`

	// BaseDir, together with an s3 store URI, enables the tiered
	// store: artifacts land locally and replicate in the background.
	BaseDir string `yaml:"base_dir"`

	MinWidth    int `yaml:"min_width"`
	MinHeight   int `yaml:"min_height"`
	ExpiresDays int `yaml:"expires_days"`

	// PoolSize caps concurrent image decoding and resampling.
	PoolSize int `yaml:"pool_size"`

	// OnFailure is "drop" (one failed image discards the item) or
	// "omit" (failures are recorded, the item moves on).
	OnFailure string `yaml:"on_failure"`

	Thumbs map[string]ThumbSize `yaml:"thumbs"`

	Fingerprint Fingerprint `yaml:"fingerprint"`
	Fetch       Fetch       `yaml:"fetch"`
	MinIO       MinIO       `yaml:"minio"`
	Replication Replication `yaml:"replication"`
	NATS        NATS        `yaml:"nats"`
	Redis       Redis       `yaml:"redis"`
}

type ThumbSize struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

type Fingerprint struct {
	IncludeHeaders []string `yaml:"include_headers"`
	KeepFragments  bool     `yaml:"keep_fragments"`
}

type Fetch struct {
	TimeoutSeconds int   `yaml:"timeout_seconds"`
	MaxBodySize    int64 `yaml:"max_body_size"`
}

type MinIO struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`

	// LaneSize bounds concurrent store round trips on a lane of
	// their own; zero shares whatever the client allows.
	LaneSize int `yaml:"lane_size"`
}

type Replication struct {
	QueueCapacity int `yaml:"queue_capacity"`
	PoolSize      int `yaml:"pool_size"`
	MaxRetries    int `yaml:"max_retries"`
}

type NATS struct {
	URL            string `yaml:"url"`
	Stream         string `yaml:"stream"`
	Subject        string `yaml:"subject"`
	ResultsSubject string `yaml:"results_subject"`
	Workers        int    `yaml:"workers"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if cfg.StoreURI == "" {
		return nil, fmt.Errorf("store_uri is empty")
	}

	if cfg.NATS.URL == "" {
		return nil, fmt.Errorf("nats.url is empty")
	}

	if cfg.ExpiresDays <= 0 {
		cfg.ExpiresDays = 90
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}

	if cfg.OnFailure == "" {
		cfg.OnFailure = "omit"
	}
	if cfg.OnFailure != "omit" && cfg.OnFailure != "drop" {
		return nil, fmt.Errorf("on_failure must be omit or drop, got %q", cfg.OnFailure)
	}

	if cfg.NATS.Workers <= 0 {
		cfg.NATS.Workers = 4
	}

	return &cfg, nil
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	return cfg
}
