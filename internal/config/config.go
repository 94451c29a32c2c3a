package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all agent configuration
type Config struct {
	ServiceName string
	StatusPort  int
	TenantID    int64
	LocalDB     DatabaseConfig
	RemoteDB    DatabaseConfig
	Collection  CollectionConfig
	Sync        SyncConfig
	BACnet      BACnetConfig
	AMQP        AMQPConfig
}

// DatabaseConfig holds connection settings for one PostgreSQL instance
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// URL builds a pgx connection string from the individual parameters.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.Name)
}

// CollectionConfig holds collection scheduling settings
type CollectionConfig struct {
	Interval       time.Duration
	OfflineBackoff time.Duration
	FutureSkew     time.Duration
	BatchSize      int
}

// SyncConfig holds upload/download scheduling settings
type SyncConfig struct {
	UploadInterval   time.Duration
	DownloadInterval time.Duration
	UploadBatchSize  int
}

// BACnetConfig holds per-operation device timeouts and feature toggles
type BACnetConfig struct {
	ConnectivityCheck  bool
	AdaptiveBatching   bool
	SequentialFallback bool
	MaxBatchSize       int
	ConnectTimeout     time.Duration
	BatchTimeout       time.Duration
	SequentialTimeout  time.Duration
}

// AMQPConfig holds optional event publishing settings. Publishing is
// disabled when URL is empty.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "meter-sync-agent"),
		StatusPort:  getEnvAsInt("STATUS_PORT", 8082),
		TenantID:    int64(getEnvAsInt("TENANT_ID", 0)),
		LocalDB: DatabaseConfig{
			Host:     getEnv("LOCAL_DB_HOST", "localhost"),
			Port:     getEnvAsInt("LOCAL_DB_PORT", 5432),
			Name:     getEnv("LOCAL_DB_NAME", ""),
			User:     getEnv("LOCAL_DB_USER", ""),
			Password: getEnv("LOCAL_DB_PASSWORD", ""),
		},
		RemoteDB: DatabaseConfig{
			Host:     getEnv("REMOTE_DB_HOST", ""),
			Port:     getEnvAsInt("REMOTE_DB_PORT", 5432),
			Name:     getEnv("REMOTE_DB_NAME", ""),
			User:     getEnv("REMOTE_DB_USER", ""),
			Password: getEnv("REMOTE_DB_PASSWORD", ""),
		},
		Collection: CollectionConfig{
			Interval:       getEnvAsSeconds("COLLECTION_INTERVAL_SECONDS", 60),
			OfflineBackoff: getEnvAsSeconds("OFFLINE_BACKOFF_SECONDS", 300),
			FutureSkew:     getEnvAsSeconds("READING_FUTURE_SKEW_SECONDS", 30),
			BatchSize:      getEnvAsInt("READING_BATCH_SIZE", 100),
		},
		Sync: SyncConfig{
			UploadInterval:   getEnvAsSeconds("UPLOAD_INTERVAL_SECONDS", 300),
			DownloadInterval: getEnvAsSeconds("DOWNLOAD_INTERVAL_SECONDS", 3600),
			UploadBatchSize:  getEnvAsInt("UPLOAD_BATCH_SIZE", 100),
		},
		BACnet: BACnetConfig{
			ConnectivityCheck:  getEnvAsBool("BACNET_CONNECTIVITY_CHECK", true),
			AdaptiveBatching:   getEnvAsBool("BACNET_ADAPTIVE_BATCHING", true),
			SequentialFallback: getEnvAsBool("BACNET_SEQUENTIAL_FALLBACK", true),
			MaxBatchSize:       getEnvAsInt("BACNET_MAX_BATCH_SIZE", 20),
			ConnectTimeout:     getEnvAsMillis("BACNET_CONNECT_TIMEOUT_MS", 2000),
			BatchTimeout:       getEnvAsMillis("BACNET_BATCH_TIMEOUT_MS", 5000),
			SequentialTimeout:  getEnvAsMillis("BACNET_SEQUENTIAL_TIMEOUT_MS", 3000),
		},
		AMQP: AMQPConfig{
			URL:        getEnv("AMQP_URL", ""),
			Exchange:   getEnv("AMQP_EXCHANGE", "meter-sync.events.exchange"),
			RoutingKey: getEnv("AMQP_ROUTING_KEY", "meter-sync.agent"),
		},
	}

	// Connection credentials must never fall back to silent defaults.
	if cfg.LocalDB.Name == "" || cfg.LocalDB.User == "" || cfg.LocalDB.Password == "" {
		return nil, fmt.Errorf("LOCAL_DB_NAME, LOCAL_DB_USER and LOCAL_DB_PASSWORD are required but not set in environment variables")
	}
	if cfg.RemoteDB.Host == "" || cfg.RemoteDB.Name == "" || cfg.RemoteDB.User == "" || cfg.RemoteDB.Password == "" {
		return nil, fmt.Errorf("REMOTE_DB_HOST, REMOTE_DB_NAME, REMOTE_DB_USER and REMOTE_DB_PASSWORD are required but not set in environment variables")
	}
	if cfg.TenantID <= 0 {
		return nil, fmt.Errorf("TENANT_ID is required but not set in environment variables")
	}
	if cfg.Collection.Interval <= 0 {
		return nil, fmt.Errorf("COLLECTION_INTERVAL_SECONDS must be positive, got %s", cfg.Collection.Interval)
	}
	if cfg.BACnet.MaxBatchSize < 1 {
		return nil, fmt.Errorf("BACNET_MAX_BATCH_SIZE must be at least 1, got %d", cfg.BACnet.MaxBatchSize)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Second
}

func getEnvAsMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Millisecond
}
