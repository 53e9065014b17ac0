package config

import (
	"os"
	"strings"
)

// Environment variables that override secrets from the file.
const (
	EnvPlatformToken = "GROUPFEED_PLATFORM_TOKEN"
	EnvSecretKey     = "GROUPFEED_SECRET_KEY"
	EnvStorageDSN    = "GROUPFEED_STORAGE_DSN"
	EnvAdminToken    = "GROUPFEED_ADMIN_TOKEN"
)

// applyEnv overwrites secret fields with non-empty environment values.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Platform.Token, EnvPlatformToken)
	set(&cfg.Vault.SecretKey, EnvSecretKey)
	set(&cfg.Storage.DSN, EnvStorageDSN)
	set(&cfg.Admin.Token, EnvAdminToken)
}
