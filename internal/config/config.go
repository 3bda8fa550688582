// Package config loads the server configuration from yaml.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chunkclaim.dev/internal/claim"
)

type Config struct {
	Listen   string `yaml:"listen"`
	DBPath   string `yaml:"db_path"`
	AuditDir string `yaml:"audit_dir"`
	// CostsPath points at the claim cost catalog; empty uses built-in
	// defaults.
	CostsPath string `yaml:"costs_path"`

	LockTimeoutMS int `yaml:"lock_timeout_ms"`
	// BestEffortBatches switches bulk village conversion from all-or-nothing
	// to the original per-chunk contract.
	BestEffortBatches bool `yaml:"best_effort_batches"`

	Area AreaSpec `yaml:"area"`
}

// AreaSpec restricts claims to a block-coordinate rectangle in one world.
type AreaSpec struct {
	Enabled bool   `yaml:"enabled"`
	World   string `yaml:"world"`
	X1      int    `yaml:"x1"`
	Z1      int    `yaml:"z1"`
	X2      int    `yaml:"x2"`
	Z2      int    `yaml:"z2"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Listen:        ":8080",
		DBPath:        "./data/claims.db",
		AuditDir:      "./data/audit",
		LockTimeoutMS: int(claim.DefaultLockTimeout / time.Millisecond),
	}
}

func (c *Config) Normalize() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = ":8080"
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = "./data/claims.db"
	}
	if c.LockTimeoutMS <= 0 {
		c.LockTimeoutMS = int(claim.DefaultLockTimeout / time.Millisecond)
	}
}

func (c Config) Validate() error {
	if c.Area.Enabled && strings.TrimSpace(c.Area.World) == "" {
		return fmt.Errorf("area.world must not be empty when area is enabled")
	}
	return nil
}

// LockTimeout is how long operations wait for a contended chunk.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

// ClaimArea converts the configured block rectangle to the chunk-level area
// rule; nil when unrestricted.
func (c Config) ClaimArea() *claim.Area {
	if !c.Area.Enabled {
		return nil
	}
	return claim.AreaFromBlocks(c.Area.World, c.Area.X1, c.Area.Z1, c.Area.X2, c.Area.Z2)
}
