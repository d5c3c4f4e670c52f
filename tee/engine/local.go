package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sealedai/relay/pkg/logger"
	"github.com/sealedai/relay/tee/keygen"
	"github.com/sealedai/relay/tee/oracle"
	"github.com/sealedai/relay/tee/types"
)

// Local executes task phases in-process. It preserves the platform's
// observable contract: Dispatch returns immediately with a task id, results
// are only available through AwaitResult, and an await timeout never kills
// the running task.
type Local struct {
	keygen *keygen.Task
	oracle *oracle.Executor
	source types.SecretSource
	owner  string
	log    *logger.Logger

	mu    sync.Mutex
	tasks map[string]*localTask
}

type localTask struct {
	done   chan struct{}
	result []byte
}

// LocalConfig wires the Local engine.
type LocalConfig struct {
	KeyGen *keygen.Task
	Oracle *oracle.Executor
	// Source resolves secret bindings at execution time.
	Source types.SecretSource
	// Owner is the relay identity all bound secrets were pushed under.
	Owner string
	Log   *logger.Logger
}

// NewLocal builds the in-process engine.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.KeyGen == nil || cfg.Oracle == nil {
		return nil, fmt.Errorf("engine: keygen and oracle tasks are required")
	}
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("task-engine")
	}
	return &Local{
		keygen: cfg.KeyGen,
		oracle: cfg.Oracle,
		source: cfg.Source,
		owner:  cfg.Owner,
		log:    log,
		tasks:  make(map[string]*localTask),
	}, nil
}

var _ types.TaskEngine = (*Local)(nil)

// Dispatch starts a task phase and returns its id.
func (l *Local) Dispatch(ctx context.Context, req types.TaskRequest) (string, error) {
	switch req.AppID {
	case AppKeyGen, AppOracle:
	default:
		return "", fmt.Errorf("engine: unknown app %q", req.AppID)
	}

	id := uuid.NewString()
	t := &localTask{done: make(chan struct{})}

	l.mu.Lock()
	l.tasks[id] = t
	l.mu.Unlock()

	// The task must outlive the dispatching request's context.
	go l.execute(context.WithoutCancel(ctx), id, t, req)

	l.log.WithField("task_id", id).WithField("app", req.AppID).Debug("task dispatched")
	return id, nil
}

// AwaitResult blocks until the task's output record is available or timeout
// elapses. A timed-out task keeps running; a later await picks up its result.
func (l *Local) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) ([]byte, error) {
	l.mu.Lock()
	t, ok := l.tasks[taskID]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("engine: %s: %w", taskID, types.ErrTaskNotFound)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return t.result, nil
	case <-timer.C:
		return nil, fmt.Errorf("engine: %s after %s: %w", taskID, timeout, types.ErrTaskTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Local) execute(ctx context.Context, id string, t *localTask, req types.TaskRequest) {
	defer close(t.done)

	args, err := l.resolveBindings(ctx, req)
	if err != nil {
		t.result = failureRecord(req.AppID, err)
		l.log.WithError(err).WithField("task_id", id).Warn("secret binding failed")
		return
	}

	switch req.AppID {
	case AppKeyGen:
		in, err := ParseKeyGenArgs(args)
		if err != nil {
			t.result = failureRecord(req.AppID, err)
			return
		}
		t.result = mustMarshal(l.keygen.Run(ctx, in))
	case AppOracle:
		in, err := ParseOracleArgs(args)
		if err != nil {
			t.result = failureRecord(req.AppID, err)
			return
		}
		t.result = mustMarshal(l.oracle.Run(ctx, in))
	}
}

// resolveBindings substitutes bound secret values into their argument slots.
// The values exist only inside this goroutine, mirroring enclave injection.
func (l *Local) resolveBindings(ctx context.Context, req types.TaskRequest) ([]string, error) {
	args := make([]string, len(req.Args))
	copy(args, req.Args)

	for idx, name := range req.SecretBindings {
		if idx < 0 || idx >= len(args) {
			return nil, fmt.Errorf("binding index %d out of range", idx)
		}
		if l.source == nil {
			return nil, fmt.Errorf("no secret source configured for binding %q", name)
		}
		value, err := l.source.Get(ctx, l.owner, name)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", name, err)
		}
		args[idx] = value
	}
	return args, nil
}

// failureRecord emits a minimal well-formed output record so awaiters always
// have something to decode.
func failureRecord(appID string, err error) []byte {
	switch appID {
	case AppKeyGen:
		return mustMarshal(types.KeyGenOutput{Success: false, Error: err.Error()})
	default:
		return mustMarshal(types.OracleOutput{Success: false, Error: err.Error()})
	}
}

func mustMarshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// Output records are plain structs; this cannot fail at runtime.
		return []byte(`{"success":false,"error":"encode output record"}`)
	}
	return raw
}
