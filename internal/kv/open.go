package kv

import (
	"fmt"

	"schoolalarm/internal/config"
)

// Open returns the backend selected by cfg.Driver.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "redis":
		return OpenRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	case "sqlite", "":
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("kv: unknown driver %q", cfg.Driver)
	}
}
