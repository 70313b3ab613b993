package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	MinIO       MinIOConfig       `yaml:"minio"`
	Vision      VisionConfig      `yaml:"vision"`
	Gallery     GalleryConfig     `yaml:"gallery"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Attendance  AttendanceConfig  `yaml:"attendance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
}

// GalleryConfig controls enrollment gallery builds and caching.
type GalleryConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	Workers       int           `yaml:"workers"`
	ThumbnailSize int           `yaml:"thumbnail_size"`
	// ImageDir, when set, resolves enrollment image references from the local
	// filesystem instead of MinIO.
	ImageDir string `yaml:"image_dir"`
}

// RecognitionConfig holds the per-stream defaults; callers may override
// frame skip, quality and idle timeout per request.
type RecognitionConfig struct {
	MatchThreshold     float64       `yaml:"match_threshold"`
	FrameSkip          int           `yaml:"frame_skip"`
	JPEGQuality        int           `yaml:"jpeg_quality"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	FontPath           string        `yaml:"font_path"`
	ShowProcessingRate bool          `yaml:"show_processing_rate"`
}

type AttendanceConfig struct {
	// Mode is "immediate" (persist each match as it happens) or "batched"
	// (buffer and flush at batch_size and on stream end).
	Mode      string `yaml:"mode"`
	BatchSize int    `yaml:"batch_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	AttendanceModeImmediate = "immediate"
	AttendanceModeBatched   = "batched"
)

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	SetDefaults(cfg)

	return cfg, nil
}

func SetDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Gallery.TTL == 0 {
		cfg.Gallery.TTL = time.Hour
	}
	if cfg.Gallery.Workers == 0 {
		cfg.Gallery.Workers = 8
	}
	if cfg.Gallery.ThumbnailSize == 0 {
		cfg.Gallery.ThumbnailSize = 256
	}
	if cfg.Recognition.MatchThreshold == 0 {
		cfg.Recognition.MatchThreshold = 0.4
	}
	if cfg.Recognition.FrameSkip == 0 {
		cfg.Recognition.FrameSkip = 3
	}
	if cfg.Recognition.JPEGQuality == 0 {
		cfg.Recognition.JPEGQuality = 70
	}
	if cfg.Recognition.IdleTimeout == 0 {
		cfg.Recognition.IdleTimeout = 30 * time.Second
	}
	if cfg.Attendance.Mode == "" {
		cfg.Attendance.Mode = AttendanceModeImmediate
	}
	if cfg.Attendance.BatchSize == 0 {
		cfg.Attendance.BatchSize = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ATTEND_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ATTEND_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("ATTEND_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("ATTEND_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("ATTEND_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("ATTEND_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("ATTEND_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("ATTEND_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("ATTEND_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("ATTEND_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("ATTEND_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("ATTEND_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("ATTEND_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("ATTEND_GALLERY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gallery.TTL = d
		}
	}
	if v := os.Getenv("ATTEND_GALLERY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gallery.Workers = n
		}
	}
	if v := os.Getenv("ATTEND_ATTENDANCE_MODE"); v != "" {
		cfg.Attendance.Mode = v
	}
}
