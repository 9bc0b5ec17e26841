package app

import (
	"nightpilot/internal/config"
	"nightpilot/internal/cooldown"
	"nightpilot/internal/storage"
	logx "nightpilot/pkg/logx"
)

// LoadConfig reads and validates the file at path; a missing file yields defaults.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).LoadOrDefault()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenStore opens the configured job store without starting anything else.
// The CLI uses it for reads and edits while a daemon may be running.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

// CooldownPatterns is the detection table in effect for cfg.
func CooldownPatterns(cfg *config.Config) ([]cooldown.Pattern, error) {
	return mapCooldownPatterns(cfg)
}
