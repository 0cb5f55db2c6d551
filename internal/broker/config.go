package broker

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read from the environment the bridge sets when it wires the
// broker into the agent's MCP config.
type Config struct {
	// PlatformType selects the chat platform driver.
	PlatformType string
	// PlatformURL, PlatformToken, ChannelID mirror the bridge's own
	// platform settings so the broker can open its own connection.
	PlatformURL   string
	PlatformToken string
	ChannelID     string
	// ThreadID is the session thread prompts are posted into.
	ThreadID string
	// AllowedUsers may answer permission prompts.
	AllowedUsers []string
	// Timeout bounds how long a prompt waits before denying.
	Timeout time.Duration
	Debug   bool
}

// FromEnv loads configuration from environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{
		PlatformType:  getEnv("PLATFORM_TYPE", "mattermost"),
		PlatformURL:   os.Getenv("PLATFORM_URL"),
		PlatformToken: os.Getenv("PLATFORM_TOKEN"),
		ChannelID:     os.Getenv("PLATFORM_CHANNEL_ID"),
		ThreadID:      os.Getenv("PLATFORM_THREAD_ID"),
		AllowedUsers:  splitUsers(os.Getenv("ALLOWED_USERS")),
		Timeout:       time.Duration(getEnvInt("PERMISSION_TIMEOUT_SECONDS", 120)) * time.Second,
		Debug:         getEnvBool("DEBUG", false),
	}

	var missing []string
	if cfg.PlatformURL == "" {
		missing = append(missing, "PLATFORM_URL")
	}
	if cfg.PlatformToken == "" {
		missing = append(missing, "PLATFORM_TOKEN")
	}
	if cfg.ChannelID == "" {
		missing = append(missing, "PLATFORM_CHANNEL_ID")
	}
	if cfg.ThreadID == "" {
		missing = append(missing, "PLATFORM_THREAD_ID")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

func splitUsers(raw string) []string {
	if raw == "" {
		return nil
	}
	var users []string
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			users = append(users, name)
		}
	}
	return users
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}
