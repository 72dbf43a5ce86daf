package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/adiwarna/loom/internal/config"
	"github.com/adiwarna/loom/internal/logger"
	"github.com/adiwarna/loom/internal/observability"
	"github.com/adiwarna/loom/internal/tracing"
	"github.com/adiwarna/loom/pkg/checkpoint"
	"github.com/adiwarna/loom/pkg/dispatch"
	"github.com/adiwarna/loom/pkg/engine"
	"github.com/adiwarna/loom/pkg/execqueue"
	"github.com/adiwarna/loom/pkg/gateway"
	"github.com/adiwarna/loom/pkg/hitl"
	"github.com/adiwarna/loom/pkg/llm"
	"github.com/adiwarna/loom/pkg/store"
	"github.com/adiwarna/loom/pkg/toolkit"
	"github.com/adiwarna/loom/pkg/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loomd server",
	Long: `Run the loomd server in the foreground: the WebSocket gateway, the
webhook receiver (when enabled), and the ambient job scheduler.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer lg.Close()
	zl := lg.GetZerolog()

	if err := tracing.InitOpenTelemetry("loomd"); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	observability.EnsureRegistered()

	pidFile := getPIDFilePath()
	if isRunning(pidFile) {
		return fmt.Errorf("loomd is already running (PID file: %s)", pidFile)
	}
	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	s, err := store.Open(store.Config{DBPath: cfg.DatabasePath(), Logger: zl})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ckpt, err := checkpoint.New(s, zl)
	if err != nil {
		return fmt.Errorf("init checkpoints: %w", err)
	}

	queue := execqueue.New()
	defer queue.Close()

	client, err := buildClient(cfg)
	if err != nil {
		return err
	}

	factory := controllerFactory(cfg, client, s, ckpt, zl)
	disp := dispatch.New(s, queue, factory, nil, zl)

	gw, err := gateway.NewServer(gateway.Config{
		Port:    cfg.Gateway.Port,
		Store:   s,
		Queue:   queue,
		Factory: gateway.ControllerFactory(factory),
		Logger:  zl,
	})
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}
	if err := gw.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	defer gw.Stop()

	var hooks *webhook.Server
	if cfg.Webhook.Enabled {
		hooks, err = webhook.NewServer(webhook.ServerOptions{
			Host:               cfg.Webhook.Host,
			Port:               cfg.Webhook.Port,
			Secret:             cfg.Webhook.Secret,
			RateLimitPerMinute: cfg.Webhook.RateLimitPerMinute,
		}, disp.OnTriggerEvent, zl)
		if err != nil {
			return fmt.Errorf("init webhook server: %w", err)
		}
		go func() {
			if err := hooks.Start(); err != nil {
				zl.Error().Err(err).Msg("Webhook server exited")
			}
		}()
		defer hooks.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runScheduler(ctx, disp, cfg.TickInterval(), zl)

	// Log level follows config file edits.
	if err := loader.Watch(func(next *config.Config) {
		if err := lg.SetLevel(next.Logging.Level); err != nil {
			zl.Warn().Err(err).Msg("Ignoring reloaded log level")
		}
	}); err != nil {
		zl.Warn().Err(err).Msg("Config hot reload unavailable")
	}
	defer loader.StopWatch()

	zl.Info().
		Int("gatewayPort", cfg.Gateway.Port).
		Bool("webhook", cfg.Webhook.Enabled).
		Str("provider", cfg.Providers.Default).
		Msg("loomd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zl.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return tracing.ShutdownOpenTelemetry(shutdownCtx)
}

// runScheduler scans for due jobs on a fixed cadence until ctx is cancelled.
func runScheduler(ctx context.Context, disp *dispatch.Dispatcher, interval time.Duration, zl zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	zl.Info().Dur("interval", interval).Msg("Scheduler started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			disp.OnScheduleTick(ctx)
		}
	}
}

// buildClient constructs the configured LLM client.
func buildClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.Providers.Default {
	case "anthropic":
		return llm.NewAnthropicClient(cfg.Providers.Anthropic.APIKey), nil
	case "openai":
		return llm.NewOpenAIClient(cfg.Providers.OpenAI.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Providers.Default)
	}
}

// controllerFactory binds one agent's model and tools into a HITL controller.
func controllerFactory(cfg *config.Config, client llm.Client, s *store.Store, ckpt *checkpoint.Store, zl zerolog.Logger) dispatch.ControllerFactory {
	return func(ctx context.Context, agent *store.Agent) (*hitl.Controller, error) {
		reg := toolkit.NewRegistry()
		if err := reg.Register(toolkit.RequestHumanTool()); err != nil {
			return nil, err
		}

		model := agent.Model
		if model == "" {
			model = defaultModel(cfg)
		}

		exec := engine.New(client, reg, engine.Config{
			Model:        model,
			SystemPrompt: agent.SystemPrompt,
			MaxTurns:     cfg.Engine.MaxTurns,
			ModelTimeout: time.Duration(cfg.Engine.ModelTimeout) * time.Second,
			ToolTimeout:  time.Duration(cfg.Engine.ToolTimeout) * time.Second,
		}, zl)
		return hitl.New(s, ckpt, exec, zl), nil
	}
}

func defaultModel(cfg *config.Config) string {
	if cfg.Providers.Default == "openai" {
		return cfg.Providers.OpenAI.Model
	}
	return cfg.Providers.Anthropic.Model
}

func getPIDFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/loomd.pid"
	}
	return filepath.Join(home, ".loom", "loomd.pid")
}

func writePIDFile(pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	return os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}

func isRunning(pidFile string) bool {
	if _, err := os.Stat(pidFile); os.IsNotExist(err) {
		return false
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	return process.Signal(syscall.Signal(0)) == nil
}
