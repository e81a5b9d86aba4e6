package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	WebRTC     WebRTCConfig
	AWS        AWSConfig
	Trigger    TriggerConfig
	Relay      RelayConfig
	Presence   PresenceConfig
	PushToTalk PushToTalkConfig
	Upload     UploadConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT validation settings for the identity boundary.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// WebRTCConfig holds STUN/TURN ICE server URLs for media negotiation.
type WebRTCConfig struct {
	ICEUrls []string // comma-separated in env
}

// AWSConfig holds AWS credentials and the evidence bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	EvidenceBucket       string
	PresignExpireMinutes int
}

// TriggerConfig tunes trigger fusion.
type TriggerConfig struct {
	Cooldown        time.Duration // shared across all sources
	ShakeThreshold  float64       // accelerometer magnitude, device unlocked
	LockedThreshold float64       // higher bar when the device is presumed locked
}

// RelayConfig tunes the session relay client.
type RelayConfig struct {
	OutboxLimit  int           // max messages queued while disconnected
	ReconnectMin time.Duration // initial resubscribe backoff
	ReconnectMax time.Duration
}

// PresenceConfig tunes the presence tracker.
type PresenceConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SweepInterval     time.Duration
	// DisconnectGrace is how long a broadcaster may stay disconnected from the
	// relay before the session is ended.
	DisconnectGrace time.Duration
}

// PushToTalkConfig tunes the push-to-talk relay.
type PushToTalkConfig struct {
	ReceiveTimeout time.Duration // safety net: clear "receiving" after this
	MaxFrameBytes  int
}

// UploadConfig tunes the evidence upload pipeline.
type UploadConfig struct {
	FlushInterval time.Duration // capture chunk duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/micall?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "micall"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			EvidenceBucket:       getEnv("AWS_S3_EVIDENCE_BUCKET", "micall-evidence-bucket"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Trigger: TriggerConfig{
			Cooldown:        getEnvDuration("TRIGGER_COOLDOWN", 500*time.Millisecond),
			ShakeThreshold:  getEnvFloat("TRIGGER_SHAKE_THRESHOLD", 15),
			LockedThreshold: getEnvFloat("TRIGGER_LOCKED_THRESHOLD", 25),
		},
		Relay: RelayConfig{
			OutboxLimit:  getEnvInt("RELAY_OUTBOX_LIMIT", 64),
			ReconnectMin: getEnvDuration("RELAY_RECONNECT_MIN", time.Second),
			ReconnectMax: getEnvDuration("RELAY_RECONNECT_MAX", 30*time.Second),
		},
		Presence: PresenceConfig{
			HeartbeatInterval: getEnvDuration("PRESENCE_HEARTBEAT_INTERVAL", 15*time.Second),
			HeartbeatTimeout:  getEnvDuration("PRESENCE_HEARTBEAT_TIMEOUT", 45*time.Second),
			SweepInterval:     getEnvDuration("PRESENCE_SWEEP_INTERVAL", 5*time.Second),
			DisconnectGrace:   getEnvDuration("SESSION_DISCONNECT_GRACE", 45*time.Second),
		},
		PushToTalk: PushToTalkConfig{
			ReceiveTimeout: getEnvDuration("PTT_RECEIVE_TIMEOUT", 30*time.Second),
			MaxFrameBytes:  getEnvInt("PTT_MAX_FRAME_BYTES", 1<<20),
		},
		Upload: UploadConfig{
			FlushInterval: getEnvDuration("EVIDENCE_FLUSH_INTERVAL", 10*time.Second),
			BackoffBase:   getEnvDuration("EVIDENCE_BACKOFF_BASE", 2*time.Second),
			BackoffCap:    getEnvDuration("EVIDENCE_BACKOFF_CAP", 5*time.Minute),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
