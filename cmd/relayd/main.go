package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relayd/internal/config"
	configstore "github.com/relaymesh/relayd/internal/config/store"
	"github.com/relaymesh/relayd/internal/connmgr"
	"github.com/relaymesh/relayd/internal/entity"
	"github.com/relaymesh/relayd/internal/gateway"
	"github.com/relaymesh/relayd/internal/server"
	"github.com/relaymesh/relayd/internal/transport"
	relayversion "github.com/relaymesh/relayd/internal/version"
)

const shutdownTimeout = 10 * time.Second

var (
	flagInstance  string
	flagAdminAddr string
	flagGRPCAddr  string
	flagEntities  string
	flagStrict    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "relayd",
		Short:         "Message relay daemon - manages listeners, connectors and TLS profiles",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = relayversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.Flags().StringVar(&flagInstance, "instance", config.DefaultInstance, "instance name")
	rootCmd.Flags().StringVar(&flagAdminAddr, "admin-addr", "127.0.0.1:8402", "admin API bind address")
	rootCmd.Flags().StringVar(&flagGRPCAddr, "grpc-addr", "127.0.0.1:8403", "gRPC health bind address (empty disables)")
	rootCmd.Flags().StringVar(&flagEntities, "entities", "", "bootstrap entities file (default <instance>/entities.yaml)")
	rootCmd.Flags().BoolVar(&flagStrict, "strict", false, "fail endpoint creation on unresolved TLS profiles or secrets")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	paths, err := config.EnsureInstanceDirs(flagInstance)
	if err != nil {
		return fmt.Errorf("failed to prepare instance directories: %w", err)
	}

	if err := setupLogging(paths); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	store, err := configstore.Open(configstore.Options{InstanceName: flagInstance})
	if err != nil {
		return fmt.Errorf("failed to open config store: %w", err)
	}
	defer store.Close()

	events := server.NewEventServer()
	go events.Run()

	tcp := &transport.TCP{}
	mgr := connmgr.New(connmgr.Options{
		Binder: tcp,
		Dialer: tcp,
		Strict: flagStrict,
		Notify: events.Publish,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := replayStoredEntities(ctx, store, mgr); err != nil {
		return err
	}
	if err := applyBootstrap(mgr, paths); err != nil {
		return err
	}

	if err := mgr.Start(ctx); err != nil {
		var fatal *connmgr.FatalBindError
		if errors.As(err, &fatal) {
			return fmt.Errorf("initial configuration failed: %w", fatal)
		}
		return err
	}

	api := server.NewAPIServer(mgr, events, store)
	gw := gateway.New(api.Handler(), gateway.Options{
		HTTPAddr: flagAdminAddr,
		GRPCAddr: flagGRPCAddr,
	})
	info, err := gw.Start(ctx)
	if err != nil {
		shutdownManager(mgr)
		return err
	}

	log.Printf("[Daemon] relayd started (PID: %d)", os.Getpid())
	log.Printf("[Daemon] Admin API: http://%s", info.HTTPAddr)
	if info.GRPCAddr != "" {
		log.Printf("[Daemon] gRPC health: %s", info.GRPCAddr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("[Daemon] Received signal %s, shutting down...", sig)
	case err, ok := <-gw.Err():
		if ok && err != nil {
			log.Printf("[Daemon] Gateway error: %v", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Daemon] Error stopping gateway: %v", err)
	}
	shutdownManager(mgr)

	log.Println("[Daemon] Stopped")
	return nil
}

func shutdownManager(mgr *connmgr.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		log.Printf("[Daemon] Error stopping endpoints: %v", err)
	}
}

// replayStoredEntities recreates persisted endpoints in creation order.
// Profiles come first so listeners and connectors can resolve them. The
// registry assigns fresh ids on every create, so rows are re-keyed to
// keep the store aligned with the live handles.
func replayStoredEntities(ctx context.Context, store *configstore.Store, mgr *connmgr.Manager) error {
	type collection struct {
		kind   string
		create func(entity.Entity) (string, error)
	}
	collections := []collection{
		{configstore.KindSSLProfile, mgr.CreateTLSProfile},
		{configstore.KindListener, mgr.CreateListener},
		{configstore.KindConnector, mgr.CreateConnector},
	}

	for _, col := range collections {
		entities, err := store.ListEntities(ctx, col.kind)
		if err != nil {
			return fmt.Errorf("failed to load stored %ss: %w", col.kind, err)
		}
		for _, stored := range entities {
			newID, err := col.create(stored.Fields)
			if err != nil {
				// Keep the row so the operator can inspect and fix it.
				log.Printf("[Daemon] Skipping stored %s %s: %v", col.kind, stored.ID, err)
				continue
			}
			if newID != stored.ID {
				if err := store.DeleteEntity(ctx, col.kind, stored.ID); err != nil {
					log.Printf("[Daemon] Re-key stored %s %s: %v", col.kind, stored.ID, err)
				}
				if err := store.SaveEntity(ctx, configstore.EndpointEntity{
					Kind:   col.kind,
					ID:     newID,
					Name:   stored.Name,
					Fields: stored.Fields,
				}); err != nil {
					log.Printf("[Daemon] Re-key stored %s %s: %v", col.kind, newID, err)
				}
			}
		}
	}
	return nil
}

// applyBootstrap feeds the entities file into the registry. Bootstrap
// entities are declarative config and are not persisted to the store.
func applyBootstrap(mgr *connmgr.Manager, paths config.InstancePaths) error {
	path := flagEntities
	if path == "" {
		path = paths.Entities
	}

	boot, err := config.LoadBootstrap(path)
	if err != nil {
		return err
	}

	for _, e := range boot.SSLProfiles {
		if _, err := mgr.CreateTLSProfile(e); err != nil {
			return fmt.Errorf("bootstrap sslProfile: %w", err)
		}
	}
	for _, e := range boot.Listeners {
		if _, err := mgr.CreateListener(e); err != nil {
			return fmt.Errorf("bootstrap listener: %w", err)
		}
	}
	for _, e := range boot.Connectors {
		if _, err := mgr.CreateConnector(e); err != nil {
			return fmt.Errorf("bootstrap connector: %w", err)
		}
	}
	return nil
}

func setupLogging(paths config.InstancePaths) error {
	if err := os.MkdirAll(paths.Logs, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	logPath := filepath.Join(paths.Logs, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== relayd starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
