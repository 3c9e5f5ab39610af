// Command voicebridge runs the telephony-to-AI voice gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voicebridge/voicebridge/internal/dotenv"
	"github.com/voicebridge/voicebridge/pkg/engine"
	"github.com/voicebridge/voicebridge/pkg/engine/health"
	"github.com/voicebridge/voicebridge/pkg/engine/registry"
	"github.com/voicebridge/voicebridge/pkg/engine/session"
	"github.com/voicebridge/voicebridge/pkg/gateway/config"
	gatewayserver "github.com/voicebridge/voicebridge/pkg/gateway/server"
	"github.com/voicebridge/voicebridge/pkg/metrics"
	"github.com/voicebridge/voicebridge/pkg/provider"
	"github.com/voicebridge/voicebridge/pkg/provider/openairt"
	"github.com/voicebridge/voicebridge/pkg/provider/staged"
	"github.com/voicebridge/voicebridge/pkg/telephony/telnyx"
	"github.com/voicebridge/voicebridge/pkg/telephony/twilio"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// openStore builds the persistent session store. Persistence is best-effort:
// a store that cannot be reached at startup is reported and skipped, and the
// registry serves from memory.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) registry.Store {
	if cfg.PostgresDSN != "" {
		store, err := registry.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err == nil {
			logger.Info("session store: postgres")
			return store
		}
		logger.Error("postgres session store unavailable, falling back", "error", err)
	}
	if cfg.RedisAddr != "" {
		store, err := registry.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err == nil {
			logger.Info("session store: redis", "addr", cfg.RedisAddr)
			return store
		}
		logger.Error("redis session store unavailable, falling back", "error", err)
	}
	logger.Warn("no persistent session store configured; sessions are memory-only")
	return nil
}

// buildEngine wires adapters and providers from whatever credentials are
// configured.
func buildEngine(ctx context.Context, cfg config.Config, mets *metrics.Metrics, logger *slog.Logger) (*engine.Engine, error) {
	hreg := health.NewRegistry(health.Config{
		FailureThreshold: cfg.FailureThreshold,
		CooldownWindow:   cfg.CooldownWindow,
		Metrics:          mets,
	})
	reg := registry.New(openStore(ctx, cfg, logger), logger)
	eng := engine.New(engine.Config{
		Session: session.Config{TeardownTimeout: cfg.TeardownTimeout},
	}, hreg, reg, logger, mets)

	if cfg.TwilioEnabled() {
		adapter, err := twilio.New(twilio.Config{
			AccountSID:      cfg.TwilioAccountSID,
			AuthToken:       cfg.TwilioAuthToken,
			StrictSignature: cfg.StrictSignatures,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("twilio adapter: %w", err)
		}
		eng.RegisterAdapter(adapter)
	}
	if cfg.TelnyxEnabled() {
		adapter, err := telnyx.New(telnyx.Config{
			APIKey:          cfg.TelnyxAPIKey,
			ConnectionID:    cfg.TelnyxConnectionID,
			PublicKey:       cfg.TelnyxPublicKey,
			StrictSignature: cfg.StrictSignatures,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("telnyx adapter: %w", err)
		}
		eng.RegisterAdapter(adapter)
	}

	registered := 0
	if cfg.OpenAIAPIKey != "" {
		eng.RegisterProvider(openairt.Name, provider.Config{
			Type:     openairt.Name,
			Strategy: provider.StrategyRealtime,
			Priority: cfg.OpenAIPriority,
			Enabled:  true,
			APIKey:   cfg.OpenAIAPIKey,
			Model:    cfg.OpenAIModel,
		}, openairt.Factory(logger))
		registered++
	}
	if cfg.OpenAIAPIKey != "" && cfg.DeepgramAPIKey != "" && cfg.ElevenLabsAPIKey != "" {
		eng.RegisterProvider(staged.Name, provider.Config{
			Type:      staged.Name,
			Strategy:  provider.StrategySegmented,
			Priority:  cfg.StagedPriority,
			Enabled:   true,
			APIKey:    cfg.OpenAIAPIKey,
			STTAPIKey: cfg.DeepgramAPIKey,
			TTSAPIKey: cfg.ElevenLabsAPIKey,
			TTSVoice:  cfg.ElevenLabsVoice,
		}, staged.Factory(logger))
		registered++
	}
	if registered == 0 {
		return nil, errors.New("no provider credentials configured")
	}
	logger.Info("engine ready", "providers", registered)
	return eng, nil
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mets := metrics.New(cfg.MetricsNamespace)
	eng, err := buildEngine(ctx, cfg, mets, logger)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Registry().Close() }()

	srv := gatewayserver.New(cfg, eng, mets, logger)

	listenErrCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session drain incomplete", "error", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voicebridge: %v\n", err)
		return 1
	}
	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voicebridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
