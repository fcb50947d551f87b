package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Secrets are read from the environment only, never from gameforge.yml.
type Secrets struct {
	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	ProxyURL     string `env:"GAMEFORGE_PROXY_URL"`
	JWTSecret    string `env:"GAMEFORGE_JWT_SECRET"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadSecrets reads Secrets from the environment.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := ParseEnv(&s); err != nil {
		return Secrets{}, err
	}
	return s, nil
}
