// Package config validates the process environment once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the validated environment for one process.
type Config struct {
	Host string
	Port string

	IsProd        bool
	TLSPrivateKey string
	TLSCertKey    string

	SpotifyClientID string
	DiscordWebhook  string

	LogLevel string
}

// Load reads and validates environment variables, returning every validation
// error it finds rather than stopping at the first.
func Load() (*Config, error) {
	cfg := &Config{
		Host:     getEnvOrDefault("HOST", "0.0.0.0"),
		Port:     getEnvOrDefault("PORT", "3100"),
		IsProd:   os.Getenv("IS_PROD") == "true",
		LogLevel: getEnvOrDefault("LOG", "info"),
	}

	var problems []string

	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		problems = append(problems, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.TLSPrivateKey = os.Getenv("TLS_PRIVATE_KEY")
	cfg.TLSCertKey = os.Getenv("TLS_CERT_KEY")
	if cfg.IsProd && (cfg.TLSPrivateKey == "" || cfg.TLSCertKey == "") {
		problems = append(problems, "TLS_PRIVATE_KEY and TLS_CERT_KEY are required when IS_PROD=true")
	}

	cfg.SpotifyClientID = os.Getenv("SPOTIFY_CLIENT_ID")
	if cfg.SpotifyClientID == "" {
		problems = append(problems, "SPOTIFY_CLIENT_ID is required")
	}

	cfg.DiscordWebhook = os.Getenv("DISCORD_WEBHOOK")

	if len(problems) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}

	return cfg, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
