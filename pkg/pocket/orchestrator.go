package pocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// State is the orchestrator's externally visible condition. Transitions are
// published to subscribers so a UI can show a sync indicator without polling.
type State string

const (
	StateIdle    State = "idle"    // last cycle succeeded, nothing running
	StateSyncing State = "syncing" // a cycle is in flight
	StateError   State = "error"   // last cycle failed, retries exhausted or not retryable
	StateOffline State = "offline" // no connectivity, cycles suspended
)

// Syncer runs one full sync cycle. *Engine is the production implementation.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Connectivity reports whether the device can reach the network. The zero
// implementation used when nil is passed assumes always online.
type Connectivity interface {
	// Online reports current reachability.
	Online() bool

	// Changes delivers reachability transitions. May return nil when the
	// platform cannot observe them; the orchestrator then relies on the
	// periodic timer alone.
	Changes() <-chan bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool         { return true }
func (alwaysOnline) Changes() <-chan bool { return nil }

// OrchestratorConfig tunes the sync loop. Zero values take the defaults.
type OrchestratorConfig struct {
	// Interval between periodic sync cycles. Default 5 minutes.
	Interval time.Duration

	// RetryAttempts bounds retries of a transiently failed cycle before the
	// failure surfaces in the state. Default 3.
	RetryAttempts uint64

	// RetryDelay is the fixed pause between retries. Default 10 seconds.
	RetryDelay time.Duration

	// ReconnectMin suppresses a reconnect-triggered cycle when the last
	// cycle finished more recently than this. Regaining connectivity often
	// flaps; the timer will catch up anyway. Default 30 seconds.
	ReconnectMin time.Duration
}

func (c *OrchestratorConfig) withDefaults() OrchestratorConfig {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 5 * time.Minute
	}
	if out.RetryAttempts == 0 {
		out.RetryAttempts = 3
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 10 * time.Second
	}
	if out.ReconnectMin <= 0 {
		out.ReconnectMin = 30 * time.Second
	}
	return out
}

// Orchestrator drives sync cycles: on a timer, on regained connectivity,
// and on demand via Trigger. At most one cycle runs at a time.
type Orchestrator struct {
	engine Syncer
	net    Connectivity
	cfg    OrchestratorConfig
	logger *slog.Logger

	mu       sync.Mutex
	busy     bool
	state    State
	lastSync time.Time
	subs     []chan State
}

// NewOrchestrator creates an Orchestrator. net may be nil when the platform
// has no connectivity signal; logger may be nil to discard logs.
func NewOrchestrator(engine Syncer, net Connectivity, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if net == nil {
		net = alwaysOnline{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		engine: engine,
		net:    net,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "orchestrator"),
		state:  StateIdle,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe returns a channel that receives state transitions. The channel
// is buffered; a slow reader misses intermediate states, never blocks sync.
func (o *Orchestrator) Subscribe() <-chan State {
	ch := make(chan State, 8)
	o.mu.Lock()
	o.subs = append(o.subs, ch)
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	if o.state == s {
		o.mu.Unlock()
		return
	}
	o.state = s
	subs := o.subs
	o.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Trigger runs one sync cycle synchronously. Returns ErrSyncInProgress when
// a cycle is already running; the caller's intent is already being served.
// With no connectivity the cycle is skipped entirely and the state goes
// offline; a request that cannot leave the device is not worth attempting.
func (o *Orchestrator) Trigger(ctx context.Context) error {
	if !o.net.Online() {
		o.setState(StateOffline)
		return nil
	}

	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return ErrSyncInProgress
	}
	o.busy = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.busy = false
		o.lastSync = time.Now()
		o.mu.Unlock()
	}()

	return o.syncOnce(ctx)
}

// syncOnce runs one cycle with bounded fixed-delay retries on transient
// failures, network errors and plain server rejections. Conflict, auth, and
// apply errors are not retried here; a conflict already got its
// pull-and-retry inside the cycle, and the others will not heal by waiting.
// Exhausted retries end in the error state unless connectivity was lost
// underneath the cycle, in which case offline is the truer answer.
func (o *Orchestrator) syncOnce(ctx context.Context) error {
	o.setState(StateSyncing)

	backoff := retry.WithMaxRetries(o.cfg.RetryAttempts, retry.NewConstant(o.cfg.RetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := o.engine.Sync(ctx)
		if errors.Is(err, ErrNetwork) || errors.Is(err, ErrServerRejected) {
			o.logger.Warn("sync attempt failed",
				"action", "sync",
				"error", err)
			return retry.RetryableError(err)
		}
		return err
	})

	switch {
	case err == nil:
		o.setState(StateIdle)
		o.logger.Info("sync complete", "action", "sync")
	case !o.net.Online():
		o.setState(StateOffline)
		o.logger.Warn("sync abandoned, offline",
			"action", "sync",
			"error", err)
	default:
		o.setState(StateError)
		o.logger.Error("sync failed",
			"action", "sync",
			"error", err)
	}
	return err
}

// Run drives periodic cycles and reacts to connectivity changes until ctx
// is canceled. Errors from individual cycles are reflected in the state and
// logged, not returned; Run only returns the context's error.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	changes := o.net.Changes()

	// initial cycle so a fresh launch converges immediately
	if o.net.Online() {
		_ = o.Trigger(ctx)
	} else {
		o.setState(StateOffline)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if !o.net.Online() {
				o.setState(StateOffline)
				continue
			}
			_ = o.Trigger(ctx)

		case online, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if !online {
				o.setState(StateOffline)
				continue
			}
			o.mu.Lock()
			recent := time.Since(o.lastSync) < o.cfg.ReconnectMin
			o.mu.Unlock()
			if recent {
				continue
			}
			o.logger.Info("connectivity regained", "action", "reconnect")
			_ = o.Trigger(ctx)
		}
	}
}
