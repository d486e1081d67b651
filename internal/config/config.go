// Package config loads the process-wide settings for the derivative pipeline.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures the full runtime configuration for a pipeline binary.
type Config struct {
	App      AppConfig
	Storage  Storage
	Queue    QueueConfig
	Database DatabaseConfig
	Worker   WorkerConfig
}

type AppConfig struct {
	Name     string `env:"APP_NAME" envDefault:"simple-derivatives"`
	LogLevel string `env:"APP_LOG_LEVEL" envDefault:"info"`
}

// Storage is loaded once at startup and only read afterwards. Components
// receive it by value so tests can run several configurations side by side.
type Storage struct {
	UploadDir         string        `env:"UPLOAD_DIR" envDefault:"./data/uploads"`
	PublicBasePath    string        `env:"PUBLIC_BASE_PATH" envDefault:"/uploads"`
	MaxUploadBytes    int64         `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"`
	MaxPixels         int64         `env:"MAX_PIXELS" envDefault:"50000000"`
	MaxOptimizedWidth int           `env:"MAX_OPTIMIZED_WIDTH" envDefault:"1200"`
	ThumbnailSize     int           `env:"THUMBNAIL_SIZE" envDefault:"300"`
	ProfileMaxSize    int           `env:"PROFILE_MAX_SIZE" envDefault:"500"`
	OptimizeQuality   int           `env:"OPTIMIZE_QUALITY" envDefault:"82"`
	ThumbnailQuality  int           `env:"THUMBNAIL_QUALITY" envDefault:"75"`
	KeepOriginals     bool          `env:"KEEP_ORIGINALS" envDefault:"true"`
	AllowedExtensions []string      `env:"ALLOWED_EXTENSIONS" envSeparator:"," envDefault:".jpg,.jpeg,.png,.webp"`
	AllowedMIMETypes  []string      `env:"ALLOWED_MIME_TYPES" envSeparator:"," envDefault:"image/jpeg,image/png,image/webp"`
	OutputFormat      string        `env:"OUTPUT_FORMAT" envDefault:"webp"`
	ProcessTimeout    time.Duration `env:"PROCESS_TIMEOUT" envDefault:"30s"`
}

type QueueConfig struct {
	// Driver selects the async transport: memory, nats or kafka.
	Driver        string   `env:"QUEUE_DRIVER" envDefault:"memory"`
	BufferSize    int      `env:"QUEUE_BUFFER_SIZE" envDefault:"128"`
	NATSURL       string   `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	Subject       string   `env:"QUEUE_SUBJECT" envDefault:"images.derivatives.requested"`
	QueueGroup    string   `env:"QUEUE_GROUP" envDefault:"derivative-workers"`
	ResultSubject string   `env:"QUEUE_RESULT_SUBJECT" envDefault:"images.derivatives.done"`
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaTopic    string   `env:"KAFKA_TOPIC" envDefault:"image-derivatives"`
	KafkaGroupID  string   `env:"KAFKA_GROUP_ID" envDefault:"derivative-workers"`
}

type DatabaseConfig struct {
	// URL empty means the in-memory asset store.
	URL string `env:"DATABASE_URL"`
}

type WorkerConfig struct {
	Concurrency          int    `env:"WORKER_CONCURRENCY" envDefault:"2"`
	ReprocessConcurrency int    `env:"REPROCESS_CONCURRENCY" envDefault:"2"`
	ReprocessSchedule    string `env:"REPROCESS_SCHEDULE"`
}

// Load parses environment variables into Config and validates the storage block.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateDistributed checks the settings a submitter and a separate worker
// process need to share work: an external queue and a shared database.
func (c *Config) ValidateDistributed() error {
	switch c.Queue.Driver {
	case "nats", "kafka":
	default:
		return fmt.Errorf("QUEUE_DRIVER %q does not reach a separate process; use nats or kafka", c.Queue.Driver)
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("DATABASE_URL must be set when QUEUE_DRIVER is %s", c.Queue.Driver)
	}
	return nil
}

// Validate rejects settings the transform strategies cannot honour.
func (s Storage) Validate() error {
	if strings.TrimSpace(s.UploadDir) == "" {
		return fmt.Errorf("UPLOAD_DIR must not be empty")
	}
	if s.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be greater than zero (got %d)", s.MaxUploadBytes)
	}
	if s.MaxPixels <= 0 {
		return fmt.Errorf("MAX_PIXELS must be greater than zero (got %d)", s.MaxPixels)
	}
	for name, v := range map[string]int{
		"MAX_OPTIMIZED_WIDTH": s.MaxOptimizedWidth,
		"THUMBNAIL_SIZE":      s.ThumbnailSize,
		"PROFILE_MAX_SIZE":    s.ProfileMaxSize,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be greater than zero (got %d)", name, v)
		}
	}
	for name, q := range map[string]int{
		"OPTIMIZE_QUALITY":  s.OptimizeQuality,
		"THUMBNAIL_QUALITY": s.ThumbnailQuality,
	} {
		if q < 1 || q > 100 {
			return fmt.Errorf("%s must be between 1 and 100 (got %d)", name, q)
		}
	}
	switch s.OutputFormat {
	case "webp", "jpeg":
	default:
		return fmt.Errorf("unsupported OUTPUT_FORMAT %q (supported: webp, jpeg)", s.OutputFormat)
	}
	if s.ProcessTimeout <= 0 {
		return fmt.Errorf("PROCESS_TIMEOUT must be positive")
	}
	return nil
}

// Default returns the storage settings with every envDefault applied. Tests
// start from it and override single fields.
func Default() Storage {
	var s Storage
	if err := env.ParseWithOptions(&s, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return s
}

// OutputExt is the file extension, dot included, of generated derivatives.
func (s Storage) OutputExt() string {
	if s.OutputFormat == "jpeg" {
		return ".jpg"
	}
	return "." + s.OutputFormat
}
