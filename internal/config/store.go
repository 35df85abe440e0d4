package config

import (
	"context"
	"sync/atomic"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Store publishes the current AuthConfig snapshot.
//
// Reload swaps in a complete new snapshot; readers holding an older snapshot keep
// using it unchanged.
type Store struct {
	current atomic.Pointer[AuthConfig]
}

// NewStore returns a Store serving cfg.
func NewStore(cfg *AuthConfig) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// LoadStore builds a Store from props.
func LoadStore(props map[string]any) (*Store, error) {
	cfg, err := Load(props)
	if err != nil {
		return nil, err
	}
	return NewStore(cfg), nil
}

// Current returns the active snapshot.
func (s *Store) Current() *AuthConfig {
	return s.current.Load()
}

// Reload rebuilds the snapshot from props. On error the active snapshot is kept.
func (s *Store) Reload(ctx context.Context, props map[string]any) error {
	cfg, err := Load(props)
	if err != nil {
		tflog.Warn(ctx, "Configuration reload rejected", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	s.current.Store(cfg)
	tflog.Debug(ctx, "Configuration reloaded", cfg.LogFields())
	return nil
}
