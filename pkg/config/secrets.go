package config

import (
	"os"
	"path/filepath"
	"strings"
)

// secretsDir is where Docker Swarm / Compose mount file-based secrets.
// Variable so tests can point it at a temp directory.
var secretsDir = "/run/secrets"

// GetSecret loads a credential, preferring the mounted secret file over the
// environment: /run/secrets/<name lowercased>, then $name, then def.
func GetSecret(name, def string) string {
	path := filepath.Join(secretsDir, strings.ToLower(name))
	if data, err := os.ReadFile(path); err == nil {
		if value := strings.TrimSpace(string(data)); value != "" {
			return value
		}
	}
	if value, ok := os.LookupEnv(name); ok {
		return value
	}
	return def
}
