// Package config centralizes the process-wide settings that spec.md's
// design notes call out as "global static configuration": download
// root, part size, backoff schedule, heartbeat thresholds, queue
// subscriptions. It is instantiated once at process start and passed
// explicitly to every component; there are no package-level mutable
// singletons.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable of a single worker process.
type Config struct {
	// DataDir holds the bbolt job store file.
	DataDir string
	// TorrentRoot is the parent of every job's download directory
	// (<TorrentRoot>/<jobId>) and the cached .torrent inputs
	// (<TorrentRoot>/torrents/<infoHash>.torrent).
	TorrentRoot string

	RedisAddr string
	RedisDB   int

	// Queues this process subscribes to, e.g. "torrents,googledrive,s3,sync".
	Queues []string

	// PartSize is the default resumable-upload part size in bytes.
	PartSize int64

	// AttemptLimit and AttemptDelays implement the background task
	// runtime's retry schedule (default 3 attempts, 60s/300s/900s).
	AttemptLimit  int
	AttemptDelays []time.Duration

	// HeartbeatStaleThreshold is the Recovery Supervisor's liveness
	// window (default 5 min).
	HeartbeatStaleThreshold time.Duration
	// RecoveryScanInterval is how often the Supervisor scans for
	// stuck jobs/syncs (default 2 min).
	RecoveryScanInterval time.Duration

	// DownloadMonitorInterval is the download stage's monitoring-loop
	// tick (default 2s, spec.md §4.7 step 7).
	DownloadMonitorInterval time.Duration

	GoogleOAuthClientID     string
	GoogleOAuthClientSecret string
}

// Default returns the configuration's zero-value-safe defaults. Flags
// and environment variables layer on top of this.
func Default() Config {
	return Config{
		DataDir:                 "./data",
		TorrentRoot:             "./data/torrents",
		RedisAddr:               "127.0.0.1:6379",
		Queues:                  []string{"torrents", "googledrive", "s3", "sync"},
		PartSize:                10 << 20, // 10 MiB
		AttemptLimit:            3,
		AttemptDelays:           []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second},
		HeartbeatStaleThreshold: 5 * time.Minute,
		RecoveryScanInterval:    2 * time.Minute,
		DownloadMonitorInterval: 2 * time.Second,
	}
}

// FromEnv overlays environment variables onto cfg, matching the names
// a deployment would set alongside provider credentials.
func FromEnv(cfg Config) (Config, error) {
	if v := os.Getenv("TORRECLOU_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TORRECLOU_TORRENT_ROOT"); v != "" {
		cfg.TorrentRoot = v
	}
	if v := os.Getenv("TORRECLOU_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("TORRECLOU_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid TORRECLOU_REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}
	if v := os.Getenv("TORRECLOU_GOOGLE_CLIENT_ID"); v != "" {
		cfg.GoogleOAuthClientID = v
	}
	if v := os.Getenv("TORRECLOU_GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.GoogleOAuthClientSecret = v
	}
	return cfg, nil
}
