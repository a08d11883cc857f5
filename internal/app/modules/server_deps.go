package modules

import (
	"time"

	"carelink.io/carelink/internal/api/handlers"
	"carelink.io/carelink/internal/api/middleware"
	"carelink.io/carelink/internal/config"
)

// NewServerDeps builds base server deps then lets each module contribute
// explicit wiring.
func NewServerDeps(cfg *config.Config, infra *Infrastructure, mods []Module) handlers.ServerDeps {
	deps := handlers.ServerDeps{
		Pool: infra.Pool,
		JWTCfg: middleware.JWTConfig{
			SigningKey: []byte(cfg.Security.JWTSecret),
			Issuer:     "carelink",
			ExpiresIn:  24 * time.Hour,
		},
		Audit:    infra.Audit,
		Registry: infra.Registry,
	}
	for _, mod := range mods {
		if mod == nil {
			continue
		}
		mod.ContributeServerDeps(&deps)
	}
	return deps
}
