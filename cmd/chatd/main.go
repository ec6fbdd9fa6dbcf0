package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatcore/server/chat/app"
	cmnenv "chatcore/server/common/env"
	commonlog "chatcore/server/common/log"
)

var (
	port    string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "chatd",
		Short:        "Chat session engine with a local HTTP bridge",
		SilenceUsage: true,
		RunE:         run,
	}
	rootCmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides CHATD_PORT)")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "optional dotenv file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if err := cmnenv.LoadDotEnv(envFile); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	cfg := app.LoadConfig()
	if port != "" {
		cfg.Port = port
	}

	server, err := app.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		commonlog.Infof("event=chatd action=listen status=ok addr=:%s", cfg.Port)
		if err := server.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		commonlog.Errorf("event=chatd action=listen status=failed error=%v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		commonlog.Warnf("event=chatd action=shutdown status=failed error=%v", shutdownErr)
	}
	return err
}
