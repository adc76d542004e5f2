package storage

import (
	"os"
	"regexp"
	"strconv"
	"time"
)

// Config holds the read-model database settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	AutoMigrate bool
}

// jdbcURL matches jdbc:postgresql://host[:port]/database[?params].
var jdbcURL = regexp.MustCompile(`^jdbc:postgresql://([^:/]+)(?::(\d+))?/([^?]+)`)

// LoadConfigFromEnv reads connection settings from the environment.
// SPRING_DATASOURCE_URL takes precedence for host, port and database so a
// deployment that already configures the JDBC URL needs nothing else;
// credentials always come from DB_USERNAME/DB_USER and DB_PASSWORD.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Host:     getEnvOrDefault("DB_HOST", "localhost"),
		Port:     envInt("DB_PORT", 5432),
		Password: os.Getenv("DB_PASSWORD"),
		Database: getEnvOrDefault("DB_NAME", "kaleidoscope"),
		SSLMode:  getEnvOrDefault("DB_SSLMODE", "disable"),

		MaxOpenConns:    envInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    envInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,

		AutoMigrate: os.Getenv("DB_AUTO_MIGRATE") == "true",
	}

	if m := jdbcURL.FindStringSubmatch(os.Getenv("SPRING_DATASOURCE_URL")); m != nil {
		cfg.Host = m[1]
		if m[2] != "" {
			cfg.Port, _ = strconv.Atoi(m[2])
		}
		cfg.Database = m[3]
	}

	if user := os.Getenv("DB_USERNAME"); user != "" {
		cfg.User = user
	} else {
		cfg.User = getEnvOrDefault("DB_USER", "postgres")
	}
	return cfg
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}
