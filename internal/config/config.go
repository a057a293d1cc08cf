// Package config holds apexd's explicit startup configuration. It never
// reads environment variables or files itself; the entrypoint loads a
// Config and passes it down, so every engine package stays testable
// without touching the process environment.
package config

import "time"

// Config is apexd's full startup configuration.
type Config struct {
	RootDir  string // install root, e.g. "/"
	CacheDir string // fetched-container cache
	StageDir string // per-transaction staging trees
	IndexDB  string // bbolt index file path
	LockFile string // global transaction lockfile

	LogJSON  bool
	LogLevel string

	Downloader DownloaderConfig
}

// DownloaderConfig configures the mirror pool.
type DownloaderConfig struct {
	GlobalConcurrency  int
	PerHostConcurrency int
	ChunkSize          int64
	MaxRetriesPerChunk int
	DialTimeout        time.Duration
}

// Default returns a Config with apex's stock defaults for a single-root
// install under dir.
func Default(dir string) Config {
	return Config{
		RootDir:  dir,
		CacheDir: dir + "/var/cache/apex",
		StageDir: dir + "/var/lib/apex/stage",
		IndexDB:  dir + "/var/lib/apex/index.db",
		LockFile: dir + "/var/lib/apex/transaction.lock",
		LogJSON:  false,
		LogLevel: "info",
		Downloader: DownloaderConfig{
			GlobalConcurrency:  16,
			PerHostConcurrency: 4,
			ChunkSize:          4 << 20,
			MaxRetriesPerChunk: 4,
			DialTimeout:        5 * time.Second,
		},
	}
}
