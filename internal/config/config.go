// Package config loads the service configuration from config/default.yaml
// and applies environment overrides for deployment-specific endpoints.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "config/default.yaml"

type Config struct {
	Service         ServiceConfig     `yaml:"service"`
	Database        DatabaseConfig    `yaml:"database"`
	Redis           RedisConfig       `yaml:"redis"`
	NATS            NATSConfig        `yaml:"nats"`
	AIService       AIServiceConfig   `yaml:"ai_service"`
	FaceRecognition RecognitionConfig `yaml:"face_recognition"`
	FaceProfileCache CacheConfig      `yaml:"face_profile_cache"`
	CameraSupervisor SupervisorConfig `yaml:"camera_supervisor"`
	Incidents       IncidentConfig    `yaml:"incidents"`
	Topology        TopologyConfig    `yaml:"topology"`
}

type ServiceConfig struct {
	Name      string `yaml:"name"`
	OpsListen string `yaml:"ops_listen"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN builds the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	// Addr empty disables the distributed snapshot cache.
	Addr string `yaml:"addr"`
}

type NATSConfig struct {
	// URL empty disables incident event fan-out.
	URL string `yaml:"url"`
}

type AIServiceConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Token       string        `yaml:"token"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type RecognitionConfig struct {
	SimilarityThreshold float64          `yaml:"similarity_threshold"`
	MinEmbeddingLength  int              `yaml:"min_embedding_length"`
	AutoEnrollment      AutoEnrollConfig `yaml:"auto_enrollment"`
}

type AutoEnrollConfig struct {
	MinIntervalBetweenEnroll time.Duration `yaml:"min_interval_between_enroll"`
	MaxEmbeddingsPerProfile  int           `yaml:"max_embeddings_per_profile"`
	MinVariationDistance     float64       `yaml:"min_variation_distance"`
	QueueSize                int           `yaml:"queue_size"`
}

type CacheConfig struct {
	RefreshInterval                time.Duration `yaml:"refresh_interval"`
	JitterPercent                  float64       `yaml:"jitter_percent"`
	RefreshTimeout                 time.Duration `yaml:"refresh_timeout"`
	MaxStaleness                   time.Duration `yaml:"max_staleness"`
	DistributedTtl                 time.Duration `yaml:"distributed_ttl"`
	LockTtl                        time.Duration `yaml:"lock_ttl"`
	PreferRedisOnStartup           bool          `yaml:"prefer_redis_on_startup"`
	AllowEmergencyDbRefreshIfStale bool          `yaml:"allow_emergency_db_refresh_if_stale"`
}

type SupervisorConfig struct {
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	BaseRetryDelay   time.Duration `yaml:"base_retry_delay"`
	MaxRetryDelay    time.Duration `yaml:"max_retry_delay"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
}

type IncidentConfig struct {
	SeverityTablePath    string `yaml:"severity_table_path"`
	IdempotencyCacheSize int    `yaml:"idempotency_cache_size"`
}

type TopologyConfig struct {
	SameZoneIsNeighbor bool `yaml:"same_zone_is_neighbor"`
}

// Default returns the shipped defaults. Load starts from these so a partial
// YAML file only overrides what it names.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:      "ts-sentinel",
			OpsListen: ":8084",
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    "5432",
			SSLMode: "disable",
		},
		AIService: AIServiceConfig{
			BaseURL:     "http://localhost:8095",
			DialTimeout: 10 * time.Second,
			CallTimeout: 10 * time.Second,
		},
		FaceRecognition: RecognitionConfig{
			SimilarityThreshold: 0.65,
			MinEmbeddingLength:  128,
			AutoEnrollment: AutoEnrollConfig{
				MinIntervalBetweenEnroll: 10 * time.Minute,
				MaxEmbeddingsPerProfile:  10,
				MinVariationDistance:     0.08,
				QueueSize:                256,
			},
		},
		FaceProfileCache: CacheConfig{
			RefreshInterval:                60 * time.Second,
			JitterPercent:                  0.2,
			RefreshTimeout:                 20 * time.Second,
			MaxStaleness:                   5 * time.Minute,
			DistributedTtl:                 3 * time.Minute,
			LockTtl:                        20 * time.Second,
			PreferRedisOnStartup:           true,
			AllowEmergencyDbRefreshIfStale: true,
		},
		CameraSupervisor: SupervisorConfig{
			MaxRetryAttempts: 10,
			BaseRetryDelay:   5 * time.Second,
			MaxRetryDelay:    2 * time.Minute,
			StopTimeout:      15 * time.Second,
		},
		Incidents: IncidentConfig{
			IdempotencyCacheSize: 4096,
		},
		Topology: TopologyConfig{
			SameZoneIsNeighbor: true,
		},
	}
}

// Load reads the YAML file at path (SENTINEL_CONFIG overrides the argument,
// DefaultPath is used when both are empty), merges it over the defaults,
// applies environment overrides, and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if env := os.Getenv("SENTINEL_CONFIG"); env != "" {
		path = env
	}
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setIf := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setIf(&cfg.Database.Host, "DB_HOST")
	setIf(&cfg.Database.Port, "DB_PORT")
	setIf(&cfg.Database.User, "DB_USER")
	setIf(&cfg.Database.Password, "DB_PASSWORD")
	setIf(&cfg.Database.Name, "DB_NAME")
	setIf(&cfg.Database.SSLMode, "DB_SSLMODE")
	setIf(&cfg.Redis.Addr, "REDIS_ADDR")
	setIf(&cfg.NATS.URL, "NATS_URL")
	setIf(&cfg.AIService.BaseURL, "AI_SERVICE_URL")
	setIf(&cfg.AIService.Token, "AI_SERVICE_TOKEN")
	setIf(&cfg.Service.OpsListen, "OPS_LISTEN")
	setIf(&cfg.Incidents.SeverityTablePath, "SEVERITY_TABLE_PATH")
}

// Validate rejects values that would make the runtime misbehave rather than
// letting them surface as odd scheduling later.
func (c *Config) Validate() error {
	if c.FaceRecognition.SimilarityThreshold < 0 || c.FaceRecognition.SimilarityThreshold > 1 {
		return fmt.Errorf("face_recognition.similarity_threshold %v outside [0,1]", c.FaceRecognition.SimilarityThreshold)
	}
	if c.FaceRecognition.MinEmbeddingLength <= 0 {
		return fmt.Errorf("face_recognition.min_embedding_length must be positive")
	}
	if c.FaceProfileCache.RefreshInterval <= 0 {
		return fmt.Errorf("face_profile_cache.refresh_interval must be positive")
	}
	if c.FaceProfileCache.RefreshTimeout <= 0 {
		return fmt.Errorf("face_profile_cache.refresh_timeout must be positive")
	}
	// Jitter is clamped, not rejected: out-of-range values come from hand
	// edits and the intent is always "some jitter".
	if c.FaceProfileCache.JitterPercent < 0 {
		c.FaceProfileCache.JitterPercent = 0
	}
	if c.FaceProfileCache.JitterPercent > 0.5 {
		c.FaceProfileCache.JitterPercent = 0.5
	}
	if c.CameraSupervisor.MaxRetryAttempts <= 0 {
		return fmt.Errorf("camera_supervisor.max_retry_attempts must be positive")
	}
	if c.CameraSupervisor.BaseRetryDelay <= 0 || c.CameraSupervisor.MaxRetryDelay < c.CameraSupervisor.BaseRetryDelay {
		return fmt.Errorf("camera_supervisor retry delays invalid: base=%v max=%v",
			c.CameraSupervisor.BaseRetryDelay, c.CameraSupervisor.MaxRetryDelay)
	}
	if c.FaceRecognition.AutoEnrollment.MaxEmbeddingsPerProfile <= 0 {
		return fmt.Errorf("auto_enrollment.max_embeddings_per_profile must be positive")
	}
	if c.FaceRecognition.AutoEnrollment.QueueSize <= 0 {
		c.FaceRecognition.AutoEnrollment.QueueSize = 256
	}
	if c.Incidents.IdempotencyCacheSize <= 0 {
		c.Incidents.IdempotencyCacheSize = 4096
	}
	return nil
}
