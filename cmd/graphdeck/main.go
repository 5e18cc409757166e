package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"graphdeck/internal/advisor"
	"graphdeck/internal/artifacts"
	"graphdeck/internal/bus"
	"graphdeck/internal/orchestrator"
	"graphdeck/internal/session"
	"graphdeck/internal/supervisor"
)

var (
	verbose        bool
	port           int
	workDir        string
	staticDir      string
	apiKey         string
	model          string
	graphbusBin    string
	runtimeCommand string
	buildTimeout   time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "graphdeck",
	Short: "graphdeck - conversational control surface for graphbus workspaces",
	Long: `graphdeck drives the graphbus CLI through a coached conversation.

It serves a WebSocket bus for UI views, supervises graphbus subprocesses
(streaming their output line by line), and turns natural-language requests
into build/run/inspect actions via an advisory model.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bus server and orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", envInt("GRAPHDECK_PORT", 8420), "bus listen port")
	rootCmd.PersistentFlags().StringVarP(&workDir, "dir", "d", "", "working directory (defaults to cwd)")
	rootCmd.PersistentFlags().StringVar(&staticDir, "static", os.Getenv("GRAPHDECK_STATIC_DIR"), "static UI bundle to serve at /")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "advisory API key (defaults to ANTHROPIC_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "advisory model override")
	rootCmd.PersistentFlags().StringVar(&graphbusBin, "graphbus-bin", envStr("GRAPHBUS_BIN", "graphbus"), "graphbus executable")
	rootCmd.PersistentFlags().StringVar(&runtimeCommand, "runtime-cmd", "", "runtime start command (defaults to '<graphbus-bin> runtime')")
	rootCmd.PersistentFlags().DurationVar(&buildTimeout, "build-timeout", 30*time.Second, "foreground command ceiling")

	rootCmd.AddCommand(serveCmd)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func serve() error {
	dir := workDir
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	key := apiKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	advCfg := advisor.DefaultConfig(key)
	if model != "" {
		advCfg.Model = model
	}
	advClient := advisor.NewClient(advCfg, logger.Named("advisor"))

	sess := session.New(dir)
	commands := supervisor.New(logger.Named("commands"))
	runtime := supervisor.New(logger.Named("runtime"))
	busServer := bus.NewServer(logger.Named("bus"), staticDir)

	// The watcher callback is wired before the orchestrator exists.
	var orch *orchestrator.Orchestrator
	watch := artifacts.NewWatcher(logger.Named("artifacts"), func(workDir string, arts *artifacts.Artifacts) {
		if orch != nil {
			orch.OnArtifactsChanged(workDir, arts)
		}
	})

	orch = orchestrator.New(orchestrator.Config{
		GraphbusBin:    graphbusBin,
		RuntimeCommand: runtimeCommand,
		BuildTimeout:   buildTimeout,
	}, orchestrator.Deps{
		Logger:      logger.Named("orchestrator"),
		Completer:   advClient,
		Credentials: advClient,
		Commands:    commands,
		Runtime:     runtime,
		Bus:         busServer,
		Session:     sess,
		Watcher:     watch,
	})

	busServer.OnMessage(orch.HandleInbound)
	busServer.OnStatus(orch.Status)

	if err := watch.Watch(dir); err != nil {
		logger.Warn("artifact watcher unavailable", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.Start(ctx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: busServer.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
		watch.Stop()
		commands.Cancel()
		runtime.Cancel()
		httpServer.Close()
	}()

	logger.Info("graphdeck running",
		zap.Int("port", port),
		zap.String("dir", dir),
		zap.Bool("credentials", advClient.HasCredentials()))

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("bus server error: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
