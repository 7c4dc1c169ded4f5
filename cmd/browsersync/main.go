package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/auth"
	"github.com/FeexSystems/BrowserSyncBot/internal/config"
	"github.com/FeexSystems/BrowserSyncBot/internal/database"
	"github.com/FeexSystems/BrowserSyncBot/internal/devices"
	"github.com/FeexSystems/BrowserSyncBot/internal/logging"
	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"github.com/FeexSystems/BrowserSyncBot/internal/server"
	"github.com/FeexSystems/BrowserSyncBot/internal/syncer"
	"github.com/FeexSystems/BrowserSyncBot/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "browsersync",
		Short:         "Browser Sync relay and device client",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newRelayCommand(), newDeviceCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func newRelayCommand() *cobra.Command {
	defaults := config.NewViper()
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay server devices connect to",
		PreRun: func(cmd *cobra.Command, args []string) {
			bindFlag(cmd, "http.address", "http-address")
			bindFlag(cmd, "database.path", "database-path")
			bindFlag(cmd, "registry.stale_after", "stale-after")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context())
		},
	}
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("database-path", defaults.GetString("database.path"), "SQLite database path for the device directory")
	cmd.Flags().Duration("stale-after", defaults.GetDuration("registry.stale_after"), "Evict devices silent for longer than this")
	return cmd
}

func newDeviceCommand() *cobra.Command {
	defaults := config.NewViper()
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Connect a headless device to the relay and log sync activity",
		PreRun: func(cmd *cobra.Command, args []string) {
			bindFlag(cmd, "device.id", "device-id")
			bindFlag(cmd, "device.name", "device-name")
			bindFlag(cmd, "relay.url", "relay-url")
			bindFlag(cmd, "relay.token", "token")
			bindFlag(cmd, "transport.encoding", "encoding")
			bindFlag(cmd, "sync.conflict_policy", "conflict-policy")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd.Context())
		},
	}
	cmd.Flags().String("device-id", "", "Device identifier")
	cmd.Flags().String("device-name", defaults.GetString("device.name"), "Human readable device name")
	cmd.Flags().String("relay-url", defaults.GetString("relay.url"), "Relay websocket URL")
	cmd.Flags().String("token", "", "Device access token")
	cmd.Flags().String("encoding", defaults.GetString("transport.encoding"), "Wire encoding (json, cbor)")
	cmd.Flags().String("conflict-policy", defaults.GetString("sync.conflict_policy"), "Conflict policy (timestamp_wins, local_wins, remote_wins, manual)")
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a device access token",
		PreRun: func(cmd *cobra.Command, args []string) {
			bindFlag(cmd, "device.id", "device-id")
			bindFlag(cmd, "auth.token_ttl", "ttl")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd)
		},
	}
	cmd.Flags().String("device-id", "", "Device identifier the token is issued to")
	cmd.Flags().Duration("ttl", config.NewViper().GetDuration("auth.token_ttl"), "Token lifetime")
	return cmd
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	lookup := cmd.Flags().Lookup(flag)
	if lookup == nil {
		lookup = cmd.PersistentFlags().Lookup(flag)
	}
	if err := viper.BindPFlag(key, lookup); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runRelay(ctx context.Context) error {
	relayConfig, err := config.LoadRelay(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(relayConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if logging.ParseLevel(relayConfig.LogLevel) != zap.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.OpenSQLite(relayConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	directory, err := devices.NewService(devices.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var tokens server.TokenValidator
	if relayConfig.Auth.Enabled() {
		issuer, err := newTokenIssuer(relayConfig.Auth)
		if err != nil {
			return err
		}
		tokens = issuer
	} else {
		logger.Warn("device authentication disabled; set auth.signing_secret to require tokens")
	}

	registry := server.NewRegistry(server.RegistryConfig{
		StaleAfter:    relayConfig.StaleAfter,
		SessionBuffer: relayConfig.SessionBuffer,
		Observer:      directory,
		Logger:        logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry:       registry,
		Directory:      directory,
		Tokens:         tokens,
		AllowedOrigins: relayConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              relayConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("relay starting", zap.String("address", relayConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return registry.RunSweeper(groupCtx, relayConfig.SweepInterval)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		registry.CloseAll()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func runDevice(ctx context.Context) error {
	deviceConfig, err := config.LoadDevice(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(deviceConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	codec, err := protocol.CodecByName(deviceConfig.Encoding)
	if err != nil {
		return err
	}

	client, err := syncer.NewClient(syncer.ClientConfig{
		Device: protocol.Device{
			ID:       deviceConfig.DeviceID,
			Name:     deviceConfig.DeviceName,
			Type:     deviceConfig.DeviceType,
			Browser:  "BrowserSync CLI",
			Platform: deviceConfig.Platform,
		},
		RelayURL:             deviceConfig.RelayURL,
		Token:                deviceConfig.RelayToken,
		UserAgent:            fmt.Sprintf("BrowserSync-CLI/1.0 (%s)", runtime.GOOS),
		Codec:                codec,
		HandshakeTimeout:     deviceConfig.HandshakeTimeout,
		HeartbeatInterval:    deviceConfig.HeartbeatInterval,
		ReconnectInterval:    deviceConfig.ReconnectInterval,
		MaxReconnectDelay:    deviceConfig.MaxReconnectDelay,
		MaxReconnectAttempts: deviceConfig.MaxReconnectAttempts,
		Policy:               deviceConfig.ConflictPolicy,
		RecentEventLimit:     deviceConfig.RecentEvents,
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, cleanup := client.Subscribe(signalCtx)
	defer cleanup()

	if !client.Connect(signalCtx) {
		return fmt.Errorf("could not connect to relay at %s", deviceConfig.RelayURL)
	}
	defer client.Close()

	if err := client.RequestFullSync(); err != nil {
		return err
	}

	for {
		select {
		case <-signalCtx.Done():
			store := client.Store()
			logger.Info("device stopping",
				zap.Int("devices", len(store.Devices())),
				zap.Int("tabs", len(store.Tabs())),
				zap.Int("passwords", len(store.Passwords())),
				zap.Int("history", len(store.History())),
				zap.Time("last_sync", client.LastSyncTime()))
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if failed := logTransportEvent(logger, event); failed {
				return errors.New("relay unreachable, reconnection attempts exhausted")
			}
		}
	}
}

// logTransportEvent reports event and whether the client gave up reconnecting.
func logTransportEvent(logger *zap.Logger, event transport.Event) bool {
	switch value := event.(type) {
	case transport.StatusChanged:
		logger.Info("connection status changed",
			zap.String("previous", string(value.Previous)),
			zap.String("current", string(value.Current)))
	case transport.LatencyMeasured:
		logger.Debug("latency measured", zap.Duration("round_trip", value.RoundTrip))
	case transport.ConnectionError:
		logger.Warn("connection error", zap.Error(value.Err))
	case transport.ReconnectionFailed:
		logger.Error("reconnection failed", zap.Int("attempts", value.Attempts))
		return true
	}
	return false
}

func runToken(cmd *cobra.Command) error {
	authConfig, err := config.LoadAuth(viper.GetViper())
	if err != nil {
		return err
	}
	issuer, err := newTokenIssuer(authConfig)
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueDeviceToken(cmd.Context(), viper.GetString("device.id"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
	return err
}

func newTokenIssuer(authConfig config.AuthConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(authConfig.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      authConfig.TokenTTL,
	})
}
