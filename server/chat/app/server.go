package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chatcore/server/chat/adapter"
	"chatcore/server/chat/api"
	"chatcore/server/chat/binder"
	"chatcore/server/chat/devicestore"
	"chatcore/server/chat/driver"
	"chatcore/server/chat/eventsink"
	"chatcore/server/chat/matrix"
	commonauth "chatcore/server/common/auth"
	"chatcore/server/common/infra/authprovider"
	commonlog "chatcore/server/common/log"
)

type Server struct {
	HTTPServer *http.Server
	Binder     *binder.Binder
	Devices    devicestore.Store
	Publisher  *eventsink.AMQPPublisher
	Sink       *eventsink.Sink
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	devices, err := devicestore.Open(ctx, devicestore.Config{
		Type:        cfg.DeviceStoreType,
		DSN:         cfg.DeviceStoreDSN,
		RedisAddr:   cfg.RedisAddr,
		PostgresDSN: cfg.PostgresDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize device store: %w", err)
	}

	exchanger := authprovider.NewClient(authprovider.Options{
		Endpoints: cfg.AuthProviderEndpoints,
		TokenPath: cfg.AuthProviderTokenPath,
		Timeout:   cfg.AuthProviderTimeout,
	})
	login := matrix.Authenticator{ServiceURL: cfg.ServiceURL, DeviceDisplayName: cfg.DeviceDisplayName}
	clients := matrix.NewFactory(matrix.Options{
		CryptoStoreDir: cfg.CryptoStoreDir,
		PickleSecret:   cfg.CryptoPickleSecret,
	})
	b := binder.New(exchanger, login, devices, clients, binder.Options{
		ServiceURL: cfg.ServiceURL,
		Driver:     driver.Options{TimelineLimit: cfg.InitialTimelineLimit},
		Adapter:    adapter.Options{RoomLimit: cfg.RoomLimit},
	})

	var (
		publisher *eventsink.AMQPPublisher
		sink      *eventsink.Sink
	)
	if cfg.EventSinkAMQPURL != "" {
		publisher, err = eventsink.DialAMQP(cfg.EventSinkAMQPURL)
		if err != nil {
			b.Close()
			_ = devices.Close()
			return nil, fmt.Errorf("initialize event sink: %w", err)
		}
		sink = eventsink.NewSink(publisher)
		sink.Attach(b)
	}

	authSvc := commonauth.NewService(cfg.JWTSecret, time.Duration(cfg.JWTTTLMinutes)*time.Minute)
	h := api.NewHandler(b, authSvc).WithWaitTimeout(cfg.SyncTimeout)
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// /connection/wait and /ws/events hold the response open.
		IdleTimeout: 60 * time.Second,
	}

	commonlog.Infof("event=chatd action=init status=ok device_store=%s event_sink=%t e2ee=%t", cfg.DeviceStoreType, sink != nil, cfg.CryptoStoreDir != "")
	return &Server{
		HTTPServer: httpServer,
		Binder:     b,
		Devices:    devices,
		Publisher:  publisher,
		Sink:       sink,
	}, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	if s.Sink != nil {
		s.Sink.Close()
	}
	if s.Binder != nil {
		s.Binder.Close()
	}
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.Devices != nil {
		_ = s.Devices.Close()
	}
	commonlog.Sync()
	return err
}
