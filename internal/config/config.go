package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Database pool and startup
	DBMaxOpenConns           int
	DBMaxIdleConns           int
	DBConnMaxLifetimeMinutes int
	DBConnectAttempts        int

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// JWT
	JWTSecret      string
	JWTExpireHours int

	// API
	APIPort int

	// Uploads
	UploadTempDir     string
	MaxSingleFileSize int64 // bytes
	MaxTotalSize      int64 // bytes, per session
	MaxFileCount      int

	// Session expiry
	InactivityWindowMinutes int // 0 = expiry disabled
	ReminderWindowMinutes   int // 0 = reminders disabled
	CleanupIntervalMinutes  int
	ReminderIntervalMinutes int

	// Malware scanning (clamd)
	ClamHost           string
	ClamPort           int
	ClamTimeoutSeconds int

	// Packaging
	BagStorageDir      string
	ChecksumAlgorithms []string // md5, sha1, sha256, sha512
}

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a timestamp-based approach if crypto/rand fails
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + string(rune(length))))
	}
	return hex.EncodeToString(bytes)
}

func Load() *Config {
	// JWT Secret - generate random if not provided
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateSecureSecret(32) // 64 character hex string
		log.Println("WARNING: JWT_SECRET not set - generated random secret. Staff sessions will not persist across restarts.")
	}

	// Database password - warn if using default
	dbPassword := getEnv("DB_PASSWORD", "")
	if dbPassword == "" {
		log.Println("WARNING: DB_PASSWORD not set - this is insecure for production!")
		dbPassword = "changeme"
	}

	// Redis password - warn if using default
	redisPassword := getEnv("REDIS_PASSWORD", "")
	if redisPassword == "" {
		log.Println("WARNING: REDIS_PASSWORD not set - Redis is not secured!")
	}

	algorithms := getEnvList("CHECKSUM_ALGORITHMS", []string{"sha256", "sha512"})

	return &Config{
		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "recordtransfer"),
		DBPassword: dbPassword,
		DBName:     getEnv("DB_NAME", "recordtransfer"),

		// Database pool and startup
		DBMaxOpenConns:           getEnvInt("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns:           getEnvInt("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetimeMinutes: getEnvInt("DB_CONN_MAX_LIFETIME_MINUTES", 60),
		DBConnectAttempts:        getEnvInt("DB_CONNECT_ATTEMPTS", 30),

		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: redisPassword,

		// JWT
		JWTSecret:      jwtSecret,
		JWTExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 168), // 7 days default

		// API
		APIPort: getEnvInt("API_PORT", 8080),

		// Uploads
		UploadTempDir:     getEnv("UPLOAD_TEMP_DIR", "/var/lib/recordtransfer/uploads"),
		MaxSingleFileSize: getEnvInt64("MAX_SINGLE_FILE_SIZE", 64*1024*1024),   // 64MB
		MaxTotalSize:      getEnvInt64("MAX_TOTAL_UPLOAD_SIZE", 256*1024*1024), // 256MB per session
		MaxFileCount:      getEnvInt("MAX_FILE_COUNT", 80),

		// Session expiry (minutes, 0 disables)
		InactivityWindowMinutes: getEnvInt("UPLOAD_SESSION_EXPIRY_MINUTES", 1440), // 24h
		ReminderWindowMinutes:   getEnvInt("UPLOAD_SESSION_REMINDER_MINUTES", 120),
		CleanupIntervalMinutes:  getEnvInt("SESSION_CLEANUP_INTERVAL_MINUTES", 30),
		ReminderIntervalMinutes: getEnvInt("SESSION_REMINDER_INTERVAL_MINUTES", 60),

		// Malware scanning
		ClamHost:           getEnv("CLAMAV_HOST", "localhost"),
		ClamPort:           getEnvInt("CLAMAV_PORT", 3310),
		ClamTimeoutSeconds: getEnvInt("CLAMAV_TIMEOUT_SECONDS", 60),

		// Packaging
		BagStorageDir:      getEnv("BAG_STORAGE_DIR", "/var/lib/recordtransfer/bags"),
		ChecksumAlgorithms: algorithms,
	}
}

// ExpiryEnabled reports whether session inactivity expiry is configured on.
func (c *Config) ExpiryEnabled() bool {
	return c.InactivityWindowMinutes > 0
}

// RemindersEnabled reports whether expiry reminder emails are configured on.
// Reminders only make sense when expiry itself is enabled.
func (c *Config) RemindersEnabled() bool {
	return c.ExpiryEnabled() && c.ReminderWindowMinutes > 0
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
