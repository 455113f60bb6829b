package config

// Config is the full broadsheet configuration.
// Paths left empty are resolved against the home directory at startup.
type Config struct {
	RepositoryPath   string `mapstructure:"repository_path" yaml:"repository_path"`
	DatabasePath     string `mapstructure:"database_path" yaml:"database_path"`
	SearchIndexPath  string `mapstructure:"search_index_path" yaml:"search_index_path"`
	MainDatabasePath string `mapstructure:"main_database_path" yaml:"main_database_path"`

	OCR        OCRConfig        `mapstructure:"ocr" yaml:"ocr"`
	Downloader DownloaderConfig `mapstructure:"downloader" yaml:"downloader"`
	Queue      QueueConfig      `mapstructure:"queue" yaml:"queue"`
	Retention  RetentionConfig  `mapstructure:"retention" yaml:"retention"`
}

// OCRConfig configures the OCR engine.
type OCRConfig struct {
	Language   string `mapstructure:"language" yaml:"language"`
	Engine     string `mapstructure:"engine" yaml:"engine"`
	MaxWorkers int    `mapstructure:"max_workers" yaml:"max_workers"`
}

// DownloaderConfig configures the archive client.
type DownloaderConfig struct {
	// RateLimit is requests per second per archive host.
	RateLimit     float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	MaxWorkers    int     `mapstructure:"max_workers" yaml:"max_workers"`
	RetryAttempts int     `mapstructure:"retry_attempts" yaml:"retry_attempts"`
}

// QueueConfig configures the work queue and pipeline service.
type QueueConfig struct {
	// PollInterval is the scheduler poll interval in seconds.
	PollInterval  int `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	BatchSize     int `mapstructure:"batch_size" yaml:"batch_size"`
}

// RetentionConfig configures data retention.
type RetentionConfig struct {
	// ArchiveDays is how long raw downloads are retained. 0 keeps forever.
	ArchiveDays int `mapstructure:"archive_days" yaml:"archive_days"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		OCR: OCRConfig{
			Language:   "eng",
			Engine:     "tesseract",
			MaxWorkers: 2,
		},
		Downloader: DownloaderConfig{
			RateLimit:     2.0,
			MaxWorkers:    2,
			RetryAttempts: 5,
		},
		Queue: QueueConfig{
			PollInterval:  5,
			MaxConcurrent: 2,
			BatchSize:     10,
		},
		Retention: RetentionConfig{
			ArchiveDays: 0,
		},
	}
}
