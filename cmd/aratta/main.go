// Command aratta hosts the sovereignty gateway: one normalized API over
// local and cloud AI providers, with routing, fallback, circuit breaking,
// and self-healing adapters.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/MAXAPIPULL00/aratta/internal/config"
	"github.com/MAXAPIPULL00/aratta/internal/server"
)

// Startup failure exit codes.
const (
	exitConfig       = 2
	exitBind         = 3
	exitProviderInit = 4
)

var (
	configPath string
	verbose    bool
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "aratta",
	Short: "Aratta - a sovereignty gateway for AI",
	Long: `Aratta sits between your application and a heterogeneous set of AI
backends - local inference servers and cloud providers - and presents one
normalized request/response vocabulary. Providers drift; Aratta absorbs it.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		return err
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runServe())
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfig)
		}
		// API keys live in the environment only; the config carries just
		// the variable names, so this is safe to print.
		out, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(out))
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func runServe() int {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		logger.Error("config load failed", zap.Error(err))
		return exitConfig
	}

	gw, err := server.NewGateway(cfg, logger)
	if err != nil {
		logger.Error("gateway init failed", zap.Error(err))
		return exitProviderInit
	}
	defer gw.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("bind failed", zap.String("addr", addr), zap.Error(err))
		return exitBind
	}

	srv := &http.Server{Handler: server.NewHandler(gw)}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("aratta ready",
			zap.String("addr", addr),
			zap.String("default_provider", cfg.Behaviour.DefaultProvider),
			zap.Strings("providers", cfg.AvailableProviders()))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return 1
	}
	logger.Info("aratta stopped")
	return 0
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.aratta/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(serveCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
