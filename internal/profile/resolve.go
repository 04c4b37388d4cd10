package profile

import "github.com/matheus3301/souk/internal/config"

const DefaultName = "main"

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. config.toml default_profile
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultName
}

// LoadConfig reads the global config, falling back to defaults when the file
// is missing. A malformed file is still an error.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(ConfigPath())
	if err == nil {
		return cfg, nil
	}
	if isNotExist(err) {
		return config.Default(), nil
	}
	return nil, err
}
