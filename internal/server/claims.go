package server

import (
	"io"

	"github.com/google/uuid"
	"github.com/matst80/backhaul/internal/config"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/registry"
)

// newClaimStore picks where proxy names and bind targets are claimed. Without a redis address
// claims stay in this process and there is nothing to close.
func newClaimStore(cfg config.RedisConfig) (registry.ClaimStore, io.Closer, error) {
	if cfg.Addr == "" {
		obs.Info("claims.backend", obs.Fields{"type": "in-memory"})
		return registry.NewMemoryClaims().Owner(uuid.NewString()), nil, nil
	}
	obs.Info("claims.backend", obs.Fields{"type": "redis", "addr": cfg.Addr})
	rc, err := registry.NewRedisClaims(cfg.Addr, cfg.Password, cfg.DB, cfg.ClaimTTL)
	if err != nil {
		return nil, nil, err
	}
	return rc, rc, nil
}
