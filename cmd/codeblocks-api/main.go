package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/codeblocks/internal/codeblocks"
	"github.com/MarcoPoloResearchLab/codeblocks/internal/config"
	"github.com/MarcoPoloResearchLab/codeblocks/internal/database"
	"github.com/MarcoPoloResearchLab/codeblocks/internal/logging"
	"github.com/MarcoPoloResearchLab/codeblocks/internal/metrics"
	"github.com/MarcoPoloResearchLab/codeblocks/internal/realtime"
	"github.com/MarcoPoloResearchLab/codeblocks/internal/server"
	"github.com/MarcoPoloResearchLab/codeblocks/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile  string
	seedFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "codeblocks-api",
		Short: "Collaborative code block relay",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert or replace code blocks from a YAML, JSON or TOML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), seedFile)
		},
	}
	seedCmd.Flags().StringVar(&seedFile, "file", "", "Path to the seed file")
	_ = seedCmd.MarkFlagRequired("file")

	setupFlags(rootCmd)
	rootCmd.AddCommand(seedCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-host", defaults.GetString("http.host"), "HTTP listen host")
	cmd.PersistentFlags().Int("http-port", defaults.GetInt("http.port"), "HTTP listen port (also PORT)")
	cmd.PersistentFlags().String("allowed-origin", defaults.GetString("cors.allowed_origin"), "The single origin allowed for REST and websocket clients")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("broadcast-scope", defaults.GetString("realtime.broadcast_scope"), "Code update audience (global, block)")
	cmd.PersistentFlags().Float64("events-per-second", defaults.GetFloat64("realtime.events_per_second"), "Inbound realtime events allowed per connection per second (0 disables limiting)")
	cmd.PersistentFlags().Int("event-burst", defaults.GetInt("realtime.event_burst"), "Inbound realtime event burst per connection")
	cmd.PersistentFlags().Bool("release-all-on-disconnect", defaults.GetBool("session.release_all_on_disconnect"), "Free every mentor slot of a dropped connection instead of the first")

	bindFlag(cmd, "http.host", "http-host")
	bindFlag(cmd, "http.port", "http-port")
	bindFlag(cmd, "cors.allowed_origin", "allowed-origin")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "realtime.broadcast_scope", "broadcast-scope")
	bindFlag(cmd, "realtime.events_per_second", "events-per-second")
	bindFlag(cmd, "realtime.event_burst", "event-burst")
	bindFlag(cmd, "session.release_all_on_disconnect", "release-all-on-disconnect")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	gin.SetMode(gin.ReleaseMode)

	db, blockService := openBlockService(appConfig.DatabasePath, logger)

	collector := metrics.NewCollector()
	hub := realtime.NewHub(logger, collector)

	coordinator, err := session.NewCoordinator(session.CoordinatorConfig{
		Store:                  blockService,
		Registry:               session.NewRegistry(),
		Broadcaster:            hub,
		Scope:                  appConfig.BroadcastScope,
		ReleaseAllOnDisconnect: appConfig.ReleaseAllOnDisconnect,
		Recorder:               collector,
		Logger:                 logger,
	})
	if err != nil {
		return err
	}

	endpoint, err := realtime.NewEndpoint(realtime.EndpointConfig{
		Hub:             hub,
		Handler:         coordinator,
		AllowedOrigin:   appConfig.AllowedOrigin,
		EventsPerSecond: appConfig.EventsPerSecond,
		EventBurst:      appConfig.EventBurst,
		IDProvider:      realtime.NewUUIDProvider(),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		BlockService:  blockService,
		Realtime:      endpoint,
		AllowedOrigin: appConfig.AllowedOrigin,
		Metrics:       collector,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress(),
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		runErr = httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		runErr = err
	}

	hub.Close()
	closeDatabase(db, logger)
	return runErr
}

// openBlockService keeps the server running on a store that fails every call
// when the database cannot be opened.
func openBlockService(path string, logger *zap.Logger) (*gorm.DB, *codeblocks.Service) {
	db, err := database.OpenSQLite(path, logger)
	if err != nil {
		logger.Error("failed to connect to the SQLite database", zap.String("path", path), zap.Error(err))
		return nil, codeblocks.NewUnavailableService(logger)
	}
	blockService, err := codeblocks.NewService(codeblocks.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		logger.Error("failed to build code block service", zap.Error(err))
		return db, codeblocks.NewUnavailableService(logger)
	}
	return db, blockService
}

func closeDatabase(db *gorm.DB, logger *zap.Logger) {
	if db == nil {
		return
	}
	if err := database.Close(db); err != nil {
		logger.Error("failed to close the database connection", zap.Error(err))
		return
	}
	logger.Info("closed the database connection")
}

func runSeed(ctx context.Context, path string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	blocks, err := codeblocks.LoadSeedFile(path)
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)

	blockService, err := codeblocks.NewService(codeblocks.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	count, err := blockService.UpsertBlocks(ctx, blocks)
	if err != nil {
		return err
	}
	logger.Info("seed complete", zap.String("file", path), zap.Int("blocks", count))
	return nil
}
