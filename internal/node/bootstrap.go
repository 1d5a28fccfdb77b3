package node

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// BootstrapEnv resolves the handful of settings a Node needs before it can
// even locate the layered viper config: where the domain's shared-memory
// artifacts live, and an optional human-readable name for this node
// instance (used only in logs/metrics labels, never as part of its Id).
//
// Grounded on ws/config.go's caarlos0/env struct-tag bootstrap, generalized
// from that file's full application config down to just the handful of
// fields a Node needs before viper can even be pointed at a config
// directory, per SPEC_FULL.md's "[AMBIENT] Node bootstrap identity".
type BootstrapEnv struct {
	PrefixDir string `env:"SHMIPC_PREFIX_DIR" envDefault:"/dev/shm/shmipc"`
	NodeName  string `env:"SHMIPC_NODE_NAME" envDefault:""`
}

// LoadBootstrapEnv parses BootstrapEnv from the process environment.
func LoadBootstrapEnv() (BootstrapEnv, error) {
	var b BootstrapEnv
	if err := env.Parse(&b); err != nil {
		return BootstrapEnv{}, fmt.Errorf("parse node bootstrap env: %w", err)
	}
	return b, nil
}
