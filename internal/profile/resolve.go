package profile

import "github.com/matheus3301/chatsync/internal/config"

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

// Load reads the profile and its token. The token comes from the
// environment or the profile's .env file.
func Load(name string) (*config.Profile, error) {
	p, err := config.LoadProfile(ProfilePath(name))
	if err != nil {
		return nil, err
	}
	if p.Token, err = config.LoadEnv(EnvPath(name)); err != nil {
		return nil, err
	}
	return p, nil
}
