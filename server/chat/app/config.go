package app

import (
	"time"

	"chatcore/server/chat/adapter"
	cmnenv "chatcore/server/common/env"
)

type Config struct {
	Env           string
	Port          string
	JWTSecret     string
	JWTTTLMinutes int

	ServiceURL        string
	DeviceDisplayName string

	AuthProviderEndpoints []string
	AuthProviderTokenPath string
	AuthProviderTimeout   time.Duration

	RoomLimit            int
	InitialTimelineLimit int
	SyncTimeout          time.Duration

	DeviceStoreType string
	DeviceStoreDSN  string
	RedisAddr       string
	PostgresDSN     string

	CryptoStoreDir     string
	CryptoPickleSecret string

	EventSinkAMQPURL string
}

func LoadConfig() Config {
	return Config{
		Env:                   cmnenv.String("APP_ENV", "dev"),
		Port:                  cmnenv.String("CHATD_PORT", "8090"),
		JWTSecret:             cmnenv.String("JWT_SECRET", "change-me-in-production"),
		JWTTTLMinutes:         cmnenv.Int("JWT_TTL_MINUTES", 1440),
		ServiceURL:            cmnenv.String("CHAT_SERVICE_URL", "http://localhost:8008"),
		DeviceDisplayName:     cmnenv.String("CHAT_DEVICE_NAME", "chatd"),
		AuthProviderEndpoints: cmnenv.CSV("AUTH_PROVIDER_ENDPOINTS", []string{"http://localhost:8081"}),
		AuthProviderTokenPath: cmnenv.String("AUTH_PROVIDER_TOKEN_PATH", "/api/v1/sso/token"),
		AuthProviderTimeout:   cmnenv.Millis("AUTH_PROVIDER_TIMEOUT_MS", 10*time.Second),
		RoomLimit:             positive(cmnenv.Int("CHAT_ROOM_LIMIT", adapter.DefaultRoomLimit), adapter.DefaultRoomLimit),
		InitialTimelineLimit:  positive(cmnenv.Int("CHAT_INITIAL_TIMELINE_LIMIT", 5), 5),
		SyncTimeout:           cmnenv.Millis("CHAT_SYNC_TIMEOUT_MS", 30*time.Second),
		DeviceStoreType:       cmnenv.String("DEVICE_STORE_TYPE", "memory"),
		DeviceStoreDSN:        cmnenv.String("DEVICE_STORE_DSN", ""),
		RedisAddr:             cmnenv.String("REDIS_ADDR", "localhost:6379"),
		PostgresDSN:           cmnenv.String("POSTGRES_DSN", ""),
		CryptoStoreDir:        cmnenv.String("CRYPTO_STORE_DIR", ""),
		CryptoPickleSecret:    cmnenv.String("CRYPTO_PICKLE_SECRET", ""),
		EventSinkAMQPURL:      cmnenv.String("EVENT_SINK_AMQP_URL", ""),
	}
}

func positive(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
