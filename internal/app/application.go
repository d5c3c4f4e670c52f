package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sealedai/relay/internal/app/storage"
	"github.com/sealedai/relay/internal/app/storage/memory"
	"github.com/sealedai/relay/internal/app/system"
	"github.com/sealedai/relay/internal/config"
	"github.com/sealedai/relay/internal/secretrelay"
	"github.com/sealedai/relay/pkg/logger"
	"github.com/sealedai/relay/tee/enclave"
	"github.com/sealedai/relay/tee/engine"
	"github.com/sealedai/relay/tee/keygen"
	"github.com/sealedai/relay/tee/oracle"
	"github.com/sealedai/relay/tee/relay"
	"github.com/sealedai/relay/tee/types"

	oraclesvc "github.com/sealedai/relay/internal/app/services/oracle"
	"github.com/sealedai/relay/internal/app/services/sessions"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Sessions storage.SessionStore
	Prompts  storage.PromptStore
}

// Application ties the coordinator services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Sessions *sessions.Service
	Oracle   *oraclesvc.Service
	Engine   types.TaskEngine
	Relay    types.SecretRelay
}

// New builds a fully initialised application from configuration.
func New(cfg config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Sessions == nil {
		stores.Sessions = mem
	}
	if stores.Prompts == nil {
		stores.Prompts = mem
	}

	eng, rel, err := buildEngine(cfg, log)
	if err != nil {
		return nil, err
	}

	sessionSvc, err := sessions.New(sessions.Config{
		Store:        stores.Sessions,
		Engine:       eng,
		Relay:        rel,
		PhaseTimeout: cfg.Sessions.PhaseTimeout,
		RetainKeys:   cfg.Sessions.RetainKeys,
		Log:          log.WithField("component", "sessions"),
	})
	if err != nil {
		return nil, fmt.Errorf("build sessions service: %w", err)
	}

	oracleSvc, err := oraclesvc.New(oraclesvc.Config{
		Sessions:     stores.Sessions,
		Prompts:      stores.Prompts,
		Engine:       eng,
		Relay:        rel,
		PhaseTimeout: cfg.Sessions.PhaseTimeout,
		Log:          log.WithField("component", "oracle"),
	})
	if err != nil {
		return nil, fmt.Errorf("build oracle service: %w", err)
	}

	manager := system.NewManager()
	sweeper := sessions.NewSweeper(sessionSvc, cfg.Sessions.SweepSchedule, log.WithField("component", "session-sweeper"))
	if err := manager.Register(sweeper); err != nil {
		return nil, fmt.Errorf("register sweeper: %w", err)
	}

	return &Application{
		manager:  manager,
		log:      log,
		Sessions: sessionSvc,
		Oracle:   oracleSvc,
		Engine:   eng,
		Relay:    rel,
	}, nil
}

// buildEngine selects the task execution path. Local mode runs both task
// phases in-process against a simulation enclave; platform mode talks to the
// external confidential-compute platform and its relay service.
func buildEngine(cfg config.Config, log *logger.Logger) (types.TaskEngine, types.SecretRelay, error) {
	switch cfg.Engine.Mode {
	case config.EngineModePlatform:
		rel, err := secretrelay.New(secretrelay.Config{
			BaseURL:         cfg.Engine.RelayURL,
			Identity:        cfg.Engine.RelayIdentity,
			CallerServiceID: cfg.Engine.CallerServiceID,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build relay client: %w", err)
		}
		eng, err := engine.NewPlatform(engine.PlatformConfig{
			BaseURL:         cfg.Engine.PlatformURL,
			CallerServiceID: cfg.Engine.CallerServiceID,
			PollInterval:    cfg.Engine.PollInterval,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build platform engine: %w", err)
		}
		return eng, rel, nil

	case config.EngineModeLocal:
		masterSecret, err := cfg.Enclave.MasterSecretBytes()
		if err != nil {
			return nil, nil, err
		}
		rt, err := enclave.New(enclave.Config{
			Mode:         enclave.Mode(cfg.Enclave.Mode),
			EnclaveID:    cfg.Enclave.EnclaveID,
			MasterSecret: masterSecret,
			DebugMode:    cfg.Enclave.DebugMode,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build enclave runtime: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Initialize(ctx); err != nil {
			return nil, nil, fmt.Errorf("initialize enclave: %w", err)
		}

		rel, err := relay.NewMemory(cfg.Engine.RelayIdentity, rt)
		if err != nil {
			return nil, nil, fmt.Errorf("build relay: %w", err)
		}

		registry := oracle.NewRegistry(oracle.RegistryConfig{
			Simulated:  cfg.Engine.Simulated,
			HTTPClient: &http.Client{Timeout: 60 * time.Second},
			Endpoints:  cfg.Engine.ProviderEndpoints,
		})
		eng, err := engine.NewLocal(engine.LocalConfig{
			KeyGen: keygen.New(rel, log.WithField("component", "keygen")),
			Oracle: oracle.New(registry, log.WithField("component", "executor")),
			Source: rel,
			Owner:  rel.Identity(),
			Log:    log.WithField("component", "task-engine"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build local engine: %w", err)
		}
		return eng, rel, nil

	default:
		return nil, nil, fmt.Errorf("unknown engine mode %q", cfg.Engine.Mode)
	}
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
