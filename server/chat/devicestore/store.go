// Package devicestore persists the protocol device id per identity so every
// login for that identity resumes the same device.
package devicestore

import (
	"context"
	"fmt"
	"strings"

	commonlog "chatcore/server/common/log"
)

const keyPrefix = "device_id:"

const (
	TypeMemory   = "memory"
	TypeSQLite   = "sqlite"
	TypeRedis    = "redis"
	TypePostgres = "postgres"
)

// Store is an identity-scoped key-value capability.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

func Key(protocolID string) string {
	return keyPrefix + protocolID
}

// DeviceID returns the stored device id for protocolID, or "" when none exists.
func DeviceID(ctx context.Context, s Store, protocolID string) (string, error) {
	value, ok, err := s.Get(ctx, Key(protocolID))
	if err != nil || !ok {
		return "", err
	}
	return value, nil
}

func SaveDeviceID(ctx context.Context, s Store, protocolID, deviceID string) error {
	return s.Set(ctx, Key(protocolID), deviceID)
}

type Config struct {
	Type        string
	DSN         string
	RedisAddr   string
	PostgresDSN string
}

// Open builds the backend named by cfg.Type. Unknown or empty types fall back
// to memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Type))
	var (
		store Store
		err   error
	)
	switch kind {
	case TypeSQLite:
		store, err = NewSQLite(ctx, cfg.DSN)
	case TypeRedis:
		store, err = NewRedis(ctx, cfg.RedisAddr)
	case TypePostgres:
		dsn := cfg.PostgresDSN
		if dsn == "" {
			dsn = cfg.DSN
		}
		store, err = NewPostgres(ctx, dsn)
	default:
		kind = TypeMemory
		store = NewMemory()
	}
	if err != nil {
		return nil, fmt.Errorf("open %s device store: %w", kind, err)
	}
	commonlog.Infof("event=device_store action=open status=ok type=%s", kind)
	return store, nil
}
