package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a deployment-specific overlay applied on top of the
// environment configuration. Zero values leave the base setting intact.
type Profile struct {
	Name       string `yaml:"name" json:"name"`
	Code       string `yaml:"code" json:"code"`
	MaxRetries int    `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	// LockTimeout is a Go duration string, e.g. "2s".
	LockTimeout string `yaml:"lock_timeout,omitempty" json:"lock_timeout,omitempty"`
	AllowReopen *bool  `yaml:"allow_reopen,omitempty" json:"allow_reopen,omitempty"`

	AllowedAgents []string `yaml:"allowed_agents,omitempty" json:"allowed_agents,omitempty"`

	RateRPS   int `yaml:"rate_rps,omitempty" json:"rate_rps,omitempty"`
	RateBurst int `yaml:"rate_burst,omitempty" json:"rate_burst,omitempty"`

	Backpressure BackpressureProfile `yaml:"backpressure" json:"backpressure"`
}

// BackpressureProfile tunes the per-agent admission limiter.
type BackpressureProfile struct {
	RPM   int `yaml:"rpm,omitempty" json:"rpm,omitempty"`
	Burst int `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// LoadProfile loads a profile YAML by code from the profiles directory.
// It looks for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*Profile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	if profile.LockTimeout != "" {
		if _, err := time.ParseDuration(profile.LockTimeout); err != nil {
			return nil, fmt.Errorf("profile %q lock_timeout: %w", code, err)
		}
	}

	return &profile, nil
}

// Apply overlays the profile onto cfg. Only set fields override.
func (p *Profile) Apply(cfg *Config) {
	if p.MaxRetries > 0 {
		cfg.MaxRetries = p.MaxRetries
	}
	if p.LockTimeout != "" {
		if d, err := time.ParseDuration(p.LockTimeout); err == nil {
			cfg.LockTimeout = d
		}
	}
	if p.AllowReopen != nil {
		cfg.AllowReopen = *p.AllowReopen
	}
	if len(p.AllowedAgents) > 0 {
		cfg.AllowedAgents = p.AllowedAgents
	}
	if p.RateRPS > 0 {
		cfg.RateRPS = p.RateRPS
	}
	if p.RateBurst > 0 {
		cfg.RateBurst = p.RateBurst
	}
}
