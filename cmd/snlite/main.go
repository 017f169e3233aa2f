// snlite is a local-first chat session server: append-only session
// persistence plus streaming responses from local and hosted model backends.
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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Yaoaoin/snlite/internal/config"
	"github.com/Yaoaoin/snlite/internal/logger"
	"github.com/Yaoaoin/snlite/internal/orchestrator"
	"github.com/Yaoaoin/snlite/internal/provider"
	"github.com/Yaoaoin/snlite/internal/registry"
	"github.com/Yaoaoin/snlite/internal/runtime"
	"github.com/Yaoaoin/snlite/internal/server"
	"github.com/Yaoaoin/snlite/internal/store"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	// Missing .env files are fine; environment wins over file values.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "snlite",
		Short:         "Local chat session server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the snlite version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("snlite %s\n", Version)
		},
	}
}

func newServeCmd() *cobra.Command {
	v := config.NewViper()
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat session server",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file path (default: ./snlite.yaml)")
	flags.String("host", config.DefaultHost, "listen host")
	flags.Int("port", config.DefaultPort, "listen port")
	flags.String("data-dir", "", "session data directory")
	flags.String("ollama-base-url", config.DefaultOllamaBaseURL, "ollama server base URL")
	flags.Bool("manage-ollama", true, "start and stop ollama serve automatically")
	flags.String("log-level", "info", "log level (debug|info|warn|error)")
	flags.String("log-file", "", "log to file instead of stderr")

	bind := map[string]string{
		"host":            "host",
		"port":            "port",
		"data-dir":        "data_dir",
		"ollama-base-url": "ollama_base_url",
		"manage-ollama":   "manage_ollama",
		"log-level":       "log_level",
		"log-file":        "log_file",
	}
	for flag, key := range bind {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func runServe(cfg *config.Config) error {
	if err := logger.Configure(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	logger.Info("Starting snlite", "version", Version, "addr", cfg.Addr(), "data_dir", cfg.DataDir)

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	supervisor := runtime.NewOllamaSupervisor(cfg.OllamaBaseURL)
	if cfg.ManageOllama {
		if err := supervisor.EnsureRunning(context.Background()); err != nil {
			logger.Warn("Ollama unavailable; model loads will fail until it is up", "error", err)
		}
		defer supervisor.Stop()
	}

	providers := map[string]provider.Client{
		"ollama": provider.NewOllamaClient(cfg.OllamaBaseURL),
	}
	if cfg.OpenAIBaseURL != "" {
		providers["openai"] = provider.NewOpenAICompatClient("openai", cfg.OpenAIBaseURL, cfg.OpenAIAPIKey)
	}
	if cfg.AnthropicAPIKey != "" {
		providers["anthropic"] = provider.NewAnthropicClient(cfg.AnthropicAPIKey)
	}

	reg := registry.New()
	orch := orchestrator.New(st, reg)
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.New(st, reg, orch, providers).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.Addr())
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Graceful shutdown incomplete", "error", err)
	}
	reg.Unload(context.Background())
	return nil
}
