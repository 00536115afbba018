package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/admin"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/config"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/metrics"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/proxy"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/registry"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/store"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/wire"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/kv"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay: wire listener, upstream driver, and admin surface",
	RunE:  runRelay,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	logger := slog.Default()

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
	}()

	key, err := hex.DecodeString(cfg.EncryptionKeyHex)
	if err != nil {
		return fmt.Errorf("decode encryption_key_hex: %w", err)
	}

	badger, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.DataDir})
	if err != nil {
		return fmt.Errorf("open broker store: %w", err)
	}
	defer badger.Close()

	brokerStore, err := store.New(badger, key)
	if err != nil {
		return fmt.Errorf("init broker store: %w", err)
	}

	metricsReg := metrics.NewRegistry()
	clientRegistry := registry.New(proxy.Matches, logger)
	manager := proxy.NewManager(cfg.UpstreamAddr, metricsReg, clientRegistry, logger)
	defer manager.Shutdown()

	configs, err := brokerStore.List(ctx)
	if err != nil {
		return fmt.Errorf("list stored brokers: %w", err)
	}
	for _, bc := range configs {
		if err := manager.Add(ctx, bc); err != nil {
			logger.Warn("failed to start stored broker", "broker_id", bc.ID, "error", err)
		}
	}

	adminServer, err := admin.NewServer(manager, brokerStore, logger)
	if err != nil {
		return fmt.Errorf("init admin server: %w", err)
	}

	driver := proxy.NewUpstreamDriver(cfg.UpstreamAddr, manager, metricsReg, adminServer.Observe, logger)
	if err := driver.Start(ctx); err != nil {
		return fmt.Errorf("start upstream driver: %w", err)
	}
	defer driver.Stop()

	listener := wire.NewListener(cfg.ListenAddr, manager, clientRegistry, metricsReg, adminServer.Observe, logger)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("wire listener starting", "addr", cfg.ListenAddr)
		errCh <- listener.Run(ctx)
	}()
	go func() {
		logger.Info("admin server starting", "addr", cfg.AdminAddr)
		errCh <- serveAdmin(ctx, cfg.AdminAddr, adminServer)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("component exited with error", "error", err)
			cancel()
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("relay stopped")
	return nil
}
