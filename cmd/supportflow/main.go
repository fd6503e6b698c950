// Package main provides the supportflow service entrypoint.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/supportflow/supportflow/internal/api"
	"github.com/supportflow/supportflow/internal/chatsvc"
	iobs "github.com/supportflow/supportflow/internal/observability"
	"github.com/supportflow/supportflow/internal/orchestrator"
	"github.com/supportflow/supportflow/pkg/chat"
	"github.com/supportflow/supportflow/pkg/config"
	"github.com/supportflow/supportflow/pkg/observability"
	"github.com/supportflow/supportflow/pkg/realtime"
	"github.com/supportflow/supportflow/pkg/security"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "supportflow",
		Short: "Customer support chat service backed by a multi-agent orchestrator",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("CONFIG_FILE"), "configuration file (YAML)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API and observability servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("supportflow %s\n", Version)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("configuration OK")
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd, checkCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("supportflow: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

func serve(cfg *config.Config) error {
	log.Printf("starting supportflow %s", Version)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	observability.InitMetrics()
	if err := iobs.InitFromEnv(); err != nil {
		log.Printf("tracing init failed, continuing without: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	channel, err := buildRealtime(cfg)
	if err != nil {
		return err
	}
	defer channel.Close()

	orch, err := orchestrator.NewClient(orchestrator.Config{
		BaseURL:          cfg.Orchestrator.BaseURL,
		Timeout:          cfg.Orchestrator.Timeout,
		FailureThreshold: cfg.Orchestrator.FailureThreshold,
		ResetTimeout:     cfg.Orchestrator.ResetTimeout,
	})
	if err != nil {
		return err
	}

	svc := chatsvc.NewService(store, orch, channel)
	limiter := security.NewRateLimiter(cfg.Server.RequestsPerSecond, cfg.Server.Burst)
	apiServer := api.NewServer(svc, limiter, cfg.Server.Port)

	checker := observability.NewHealthChecker()
	checker.RegisterCheck(observability.StoreCheck(store.Ping))
	checker.RegisterCheck(observability.OrchestratorCheck(orch.Health))
	obsServer := observability.NewServer(cfg.Server.ObsPort, checker)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(apiServer.Start)
	g.Go(obsServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("api shutdown error: %v", err)
		}
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("observability shutdown error: %v", err)
		}
		if err := iobs.Shutdown(shutdownCtx); err != nil {
			log.Printf("tracing shutdown error: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Println("supportflow stopped")
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config) (chat.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		log.Println("store: using in-memory backend")
		return chat.NewMemoryStore(), nil
	case "redis":
		log.Printf("store: using redis at %s", cfg.Store.Redis.Address)
		return chat.NewRedisStore(chat.RedisConfig{
			Addr:       cfg.Store.Redis.Address,
			Password:   cfg.Store.Redis.Password,
			DB:         cfg.Store.Redis.DB,
			Prefix:     cfg.Store.Redis.KeyPrefix,
			SessionTTL: cfg.Store.Redis.TTL,
		})
	case "firestore":
		log.Printf("store: using firestore project %s", cfg.Store.Firestore.ProjectID)
		return chat.NewFirestoreStore(ctx, chat.FirestoreConfig{
			ProjectID:          cfg.Store.Firestore.ProjectID,
			SessionsCollection: cfg.Store.Firestore.Collection,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildRealtime(cfg *config.Config) (realtime.Channel, error) {
	switch cfg.Realtime.Backend {
	case "memory":
		return realtime.NewMemoryChannel(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Address,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("realtime redis: %w", err)
		}
		return realtime.NewRedisChannel(client, ""), nil
	default:
		return nil, fmt.Errorf("unknown realtime backend %q", cfg.Realtime.Backend)
	}
}
