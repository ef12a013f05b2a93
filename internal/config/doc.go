/*
Package config provides configuration management for driveftp with
multi-source support.

Configuration is layered. Later sources override earlier ones:

 1. NewDefault
 2. a YAML file (LoadFromFile)
 3. DRIVEFTP_* environment variables (LoadFromEnv)
 4. command-line flags, applied by cmd/driveftp

Validate must pass before the configuration is handed to the adapter.
Every failure is a pkg/errors error with code INVALID_CONFIG, CONFIG_LOAD
or CONFIG_SAVE.

# Configuration File

	global:
	  log_level: info          # debug, info, warn, error
	  log_format: json         # json or console
	  log_file: ""             # empty logs to stderr

	cache:
	  path: ./driveftp.db
	  pool_size: 8

	sync:
	  interval: 10s
	  workers: 4

	remote:
	  provider: gdrive         # gdrive, s3 or memory
	  max_requests_per_second: 10
	  burst: 10
	  retry:
	    max_attempts: 3
	    delay: 1s
	    max_delay: 30s
	  circuit_breaker:
	    enabled: true
	    failure_threshold: 5
	    timeout: 30s
	  gdrive:
	    credentials_file: /etc/driveftp/service-account.json
	    page_size: 1000
	  s3:
	    bucket: my-files
	    region: us-east-1
	    prefix: drive/

	controller:
	  refresh_window: 10s
	  refresh_threshold: 2
	  refresh_history: 10
	  refresh_timeout: 30s
	  upload_timeout: 10s

	view:
	  home: /
	  illegal_chars: "\\/:*?\"<>|"
	  replacement: _

	monitoring:
	  metrics:
	    enabled: true
	    port: 9090
	    path: /metrics

	fuse:
	  enabled: false
	  mount_point: /mnt/drive
	  read_only: false

# Environment Variables

	DRIVEFTP_LOG_LEVEL, DRIVEFTP_LOG_FORMAT, DRIVEFTP_LOG_FILE
	DRIVEFTP_CACHE_PATH, DRIVEFTP_CACHE_POOL_SIZE
	DRIVEFTP_SYNC_INTERVAL, DRIVEFTP_SYNC_WORKERS
	DRIVEFTP_REMOTE_PROVIDER, DRIVEFTP_MAX_REQUESTS_PER_SECOND
	DRIVEFTP_GDRIVE_CREDENTIALS_FILE
	DRIVEFTP_S3_BUCKET, DRIVEFTP_S3_REGION, DRIVEFTP_S3_ENDPOINT,
	DRIVEFTP_S3_PREFIX, DRIVEFTP_S3_FORCE_PATH_STYLE,
	DRIVEFTP_S3_ACCESS_KEY_ID, DRIVEFTP_S3_SECRET_ACCESS_KEY
	DRIVEFTP_VIEW_HOME
	DRIVEFTP_METRICS_ENABLED, DRIVEFTP_METRICS_PORT
	DRIVEFTP_FUSE_ENABLED, DRIVEFTP_FUSE_MOUNT_POINT

A malformed value (for example DRIVEFTP_SYNC_WORKERS=many) is reported as
INVALID_CONFIG; the remaining variables are still applied.

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
*/
package config
