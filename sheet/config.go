package sheet

import (
	"os"
	"sync"
	"time"
)

type ExtractorConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type StorageConfig struct {
	Dialect string
}

type Config struct {
	mu sync.RWMutex

	Policy  Policy
	Storage StorageConfig

	Extractor       ExtractorConfig
	MaxInputChars   int
	ExtractTimeout  time.Duration
	ExtractRetries  int

	IdempotencyTTL        time.Duration
	IdempotencyMaxEntries int
}

func newConfig() *Config {
	return &Config{
		Policy: DefaultPolicy(),
		Extractor: ExtractorConfig{
			BaseURL: os.Getenv("FACTSHEET_BASE_URL"),
			APIKey:  os.Getenv("FACTSHEET_API_KEY"),
			Model:   os.Getenv("FACTSHEET_MODEL"),
		},
		MaxInputChars:         8000,
		ExtractTimeout:        5 * time.Second,
		ExtractRetries:        2,
		IdempotencyTTL:        5 * time.Minute,
		IdempotencyMaxEntries: 1000,
	}
}
