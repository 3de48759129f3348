package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lance0/tunneld/internal/config"
	"github.com/lance0/tunneld/internal/gateway"
	"github.com/lance0/tunneld/internal/transport"
)

// version is overridden at build time via -ldflags; "development"
// disables control handshake version gating entirely.
var version = "development"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "tunneld",
	Short:   "A public-internet tunneling gateway",
	Long:    `tunneld exposes per-tenant subdomains on a shared host and relays HTTP and WebSocket traffic to tunnel clients connected over a control WebSocket.`,
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tunneling gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		if configFile == "" {
			configFile = config.FindConfigFile()
		}

		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") {
			cfg.Port = port
		}
		if host, _ := cmd.Flags().GetString("host"); cmd.Flags().Changed("host") {
			cfg.Host = host
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		var tp transport.Transport
		if cfg.RedisURL != "" {
			broker, err := transport.NewBroker(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("connect to redis: %w", err)
			}
			tp = broker
			fmt.Printf("%s broker transport: %s\n", color.CyanString("tunneld:"), cfg.RedisURL)
		} else {
			tp = transport.NewMemory()
			fmt.Printf("%s in-memory transport\n", color.CyanString("tunneld:"))
		}

		gw := gateway.New(gateway.Config{
			Domain:        cfg.Domain,
			Secure:        cfg.Secure,
			ServerVersion: version,
		}, tp)

		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		srv := &http.Server{Addr: addr, Handler: gw}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		errCh := make(chan error, 1)
		go func() {
			fmt.Printf("%s listening on %s (domain=%s)\n", color.GreenString("tunneld:"), addr, cfg.Domain)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to tunneld.yaml config file")
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")

	rootCmd.AddCommand(serveCmd)
}
