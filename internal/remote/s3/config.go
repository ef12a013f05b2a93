package s3

import (
	"strings"
)

// Config represents S3 gateway configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// MaxRetries is the SDK-level attempt budget. remote.Client owns the
	// retry policy, so the default is a single attempt.
	MaxRetries int `yaml:"max_retries"`

	// Upload settings
	PartSize          int64 `yaml:"part_size"`
	UploadConcurrency int   `yaml:"upload_concurrency"`
}

// NewDefaultConfig returns the defaults used when fields are left empty.
func NewDefaultConfig() *Config {
	return &Config{
		Region:            "us-east-1",
		MaxRetries:        1,
		PartSize:          16 * 1024 * 1024,
		UploadConcurrency: 4,
	}
}

func (c *Config) applyDefaults() {
	defaults := NewDefaultConfig()
	if c.Region == "" {
		c.Region = defaults.Region
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.PartSize <= 0 {
		c.PartSize = defaults.PartSize
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = defaults.UploadConcurrency
	}
	c.Prefix = normalizePrefix(c.Prefix)
}

// normalizePrefix strips leading slashes and makes a non-empty prefix end in "/".
func normalizePrefix(prefix string) string {
	prefix = strings.TrimLeft(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
