package settings

import (
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
)

type Arguments struct {
	// The file path to the datafiles
	DataDir string

	// Open every database without write access
	Readonly bool

	// Strongly verbose logging
	Verbose bool

	// Debug enables file-removal tracing and other diagnostics.
	// Seeded from RODB_DEBUG.
	Debug bool

	// Number of bucket files a segmented index is sharded into
	IndexBuckets int

	// Maximum number of records the shared collection cache may hold
	RecordCacheSize int64
}

var (
	instance *Arguments
	once     sync.Once
)

// GetSettings returns the process-wide settings instance
func GetSettings() *Arguments {
	once.Do(func() {
		instance = defaultArguments()
		instance.LoadFromEnv()
	})
	return instance
}

func defaultArguments() *Arguments {
	return &Arguments{
		DataDir:         "./datafiles",
		IndexBuckets:    32,
		RecordCacheSize: 4096,
	}
}

// LoadFromEnv overlays settings from the environment. A .env file in the
// working directory is honored when present.
func (a *Arguments) LoadFromEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("RODB_DATA_DIR"); v != "" {
		a.DataDir = v
	}
	if v := os.Getenv("RODB_DEBUG"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			a.Debug = parsed
			a.Verbose = a.Verbose || parsed
		}
	}
	if v := os.Getenv("RODB_VERBOSE"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			a.Verbose = parsed
		}
	}
	if v := os.Getenv("RODB_INDEX_BUCKETS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			a.IndexBuckets = parsed
		}
	}
	if v := os.Getenv("RODB_RECORD_CACHE_SIZE"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			a.RecordCacheSize = parsed
		}
	}
}
