// Command runtime is the voicecall runtime's entrypoint: a server process
// that answers carrier webhooks and bridges call media to STT, the brain,
// and TTS, plus two operational subcommands for diagnosing a deployment
// without placing a real call.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lokutor-ai/voicecall-runtime/internal/config"
	"github.com/lokutor-ai/voicecall-runtime/internal/runtime"
	"github.com/lokutor-ai/voicecall-runtime/internal/webhook"
)

func main() {
	root := &cobra.Command{
		Use:   "runtime",
		Short: "Voice call runtime: carrier webhook and media bridge",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCheckCmd())
	root.AddCommand(simulateCallCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server that answers carrier webhooks and media streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			rt, err := runtime.New(cfg)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			defer rt.Close()

			handler := webhook.NewHandler(rt.Registry, rt.Tenants, cfg.MediaStreamToken, rt.Logger)
			mux := http.NewServeMux()
			handler.Routes(mux)

			srv := &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.Port),
				Handler: mux,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			serveErr := make(chan error, 1)
			go func() {
				rt.Logger.Info("runtime listening", "port", cfg.Port)
				serveErr <- srv.ListenAndServe()
			}()

			select {
			case err := <-serveErr:
				if err != nil && err != http.ErrServerClosed {
					return fmt.Errorf("serve: %w", err)
				}
			case <-ctx.Done():
				rt.Logger.Info("shutting down", "reason", "signal received")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("graceful shutdown: %w", err)
				}
			}
			return nil
		},
	}
}

func migrateCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-check",
		Short: "Validate configuration and connectivity without serving traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rt, err := runtime.New(cfg)
			if err != nil {
				return fmt.Errorf("runtime preflight failed: %w", err)
			}
			defer rt.Close()
			fmt.Println("configuration valid, redis reachable")
			return nil
		},
	}
}

func simulateCallCmd() *cobra.Command {
	var dialedNumber, callerID string

	cmd := &cobra.Command{
		Use:   "simulate-call",
		Short: "Resolve a dialed number's tenant config and print it, without placing a call",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rt, err := runtime.New(cfg)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			defer rt.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			tenantCfg, err := rt.Tenants.Resolve(ctx, dialedNumber)
			if err != nil {
				return fmt.Errorf("resolve tenant for %s: %w", dialedNumber, err)
			}

			fmt.Printf("tenant: %s\n", tenantCfg.TenantID)
			fmt.Printf("greeting: %s\n", tenantCfg.ResolveGreeting())
			fmt.Printf("caller: %s\n", callerID)
			return nil
		},
	}

	cmd.Flags().StringVar(&dialedNumber, "to", "", "dialed number to resolve (E.164)")
	cmd.Flags().StringVar(&callerID, "from", "+15550001111", "simulated caller id (E.164)")
	cmd.MarkFlagRequired("to")

	return cmd
}
