package pocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSyncer struct {
	mu      sync.Mutex
	calls   int
	err     error
	started chan struct{} // signaled at the start of each call, if set
	release chan struct{} // each call blocks until closed, if set
}

func (f *fakeSyncer) Sync(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type syncerFunc func(ctx context.Context) error

func (f syncerFunc) Sync(ctx context.Context) error { return f(ctx) }

type fakeNet struct {
	online atomic.Bool
	ch     chan bool
}

func (f *fakeNet) Online() bool         { return f.online.Load() }
func (f *fakeNet) Changes() <-chan bool { return f.ch }

func fastConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Interval:      time.Hour,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
		ReconnectMin:  time.Millisecond,
	}
}

func TestTriggerMutualExclusion(t *testing.T) {
	syncer := &fakeSyncer{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	o := NewOrchestrator(syncer, nil, fastConfig(), nil)

	errc := make(chan error, 1)
	go func() { errc <- o.Trigger(context.Background()) }()
	<-syncer.started

	if err := o.Trigger(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent Trigger: err = %v, want ErrSyncInProgress", err)
	}
	if got := o.State(); got != StateSyncing {
		t.Errorf("state = %q, want syncing", got)
	}

	close(syncer.release)
	if err := <-errc; err != nil {
		t.Fatalf("first Trigger: %v", err)
	}
	if got := o.State(); got != StateIdle {
		t.Errorf("state after success = %q, want idle", got)
	}

	// the lock is released; a new cycle can start
	if err := o.Trigger(context.Background()); err != nil {
		t.Errorf("Trigger after completion: %v", err)
	}
}

func TestNetworkFailureRetriesThenErrors(t *testing.T) {
	syncer := &fakeSyncer{err: fmt.Errorf("dial: %w", ErrNetwork)}
	o := NewOrchestrator(syncer, nil, fastConfig(), nil)

	err := o.Trigger(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
	// initial attempt plus RetryAttempts retries
	if got := syncer.count(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	// connectivity still reports online, so the exhausted retries are an
	// error, not an offline condition
	if got := o.State(); got != StateError {
		t.Errorf("state = %q, want error", got)
	}
}

func TestServerRejectionRetriedLikeNetworkFailure(t *testing.T) {
	syncer := &fakeSyncer{err: fmt.Errorf("status 500: %w", ErrServerRejected)}
	o := NewOrchestrator(syncer, nil, fastConfig(), nil)

	err := o.Trigger(context.Background())
	if !errors.Is(err, ErrServerRejected) {
		t.Fatalf("err = %v, want ErrServerRejected", err)
	}
	if got := syncer.count(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if got := o.State(); got != StateError {
		t.Errorf("state = %q, want error", got)
	}
}

func TestTriggerWhileOfflineSkipsCycle(t *testing.T) {
	syncer := &fakeSyncer{err: fmt.Errorf("dial: %w", ErrNetwork)}
	net := &fakeNet{} // offline
	o := NewOrchestrator(syncer, net, fastConfig(), nil)

	if err := o.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if got := syncer.count(); got != 0 {
		t.Errorf("sync attempts while offline = %d, want 0", got)
	}
	if got := o.State(); got != StateOffline {
		t.Errorf("state = %q, want offline", got)
	}
}

func TestRetryExhaustionGoesOfflineWhenConnectivityDrops(t *testing.T) {
	net := &fakeNet{}
	net.online.Store(true)
	// the network drops underneath the first attempt and stays down
	syncer := syncerFunc(func(ctx context.Context) error {
		net.online.Store(false)
		return fmt.Errorf("dial: %w", ErrNetwork)
	})
	o := NewOrchestrator(syncer, net, fastConfig(), nil)

	err := o.Trigger(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
	if got := o.State(); got != StateOffline {
		t.Errorf("state = %q, want offline", got)
	}
}

func TestNonNetworkFailureIsNotRetried(t *testing.T) {
	syncer := &fakeSyncer{err: fmt.Errorf("bad row: %w", ErrApply)}
	o := NewOrchestrator(syncer, nil, fastConfig(), nil)

	err := o.Trigger(context.Background())
	if !errors.Is(err, ErrApply) {
		t.Fatalf("err = %v, want ErrApply", err)
	}
	if got := syncer.count(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if got := o.State(); got != StateError {
		t.Errorf("state = %q, want error", got)
	}
}

func TestSubscribersSeeTransitions(t *testing.T) {
	syncer := &fakeSyncer{}
	o := NewOrchestrator(syncer, nil, fastConfig(), nil)
	sub := o.Subscribe()

	if err := o.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	var seen []State
	for len(seen) < 2 {
		select {
		case s := <-sub:
			seen = append(seen, s)
		case <-time.After(time.Second):
			t.Fatalf("transitions seen: %v", seen)
		}
	}
	if seen[0] != StateSyncing || seen[1] != StateIdle {
		t.Errorf("transitions = %v, want [syncing idle]", seen)
	}
}

func TestRunSyncsOnReconnect(t *testing.T) {
	syncer := &fakeSyncer{started: make(chan struct{}, 4)}
	net := &fakeNet{ch: make(chan bool)}
	o := NewOrchestrator(syncer, net, fastConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	// launched offline, no initial cycle
	select {
	case <-syncer.started:
		t.Fatal("cycle ran while offline")
	case <-time.After(50 * time.Millisecond):
	}

	net.online.Store(true)
	net.ch <- true
	select {
	case <-syncer.started:
	case <-time.After(time.Second):
		t.Fatal("no cycle after reconnect")
	}

	// losing connectivity flips the state without running a cycle
	net.online.Store(false)
	net.ch <- false
	deadline := time.After(time.Second)
	for o.State() != StateOffline {
		select {
		case <-deadline:
			t.Fatalf("state = %q, want offline", o.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestRunDebouncesReconnectFlaps(t *testing.T) {
	cfg := fastConfig()
	cfg.ReconnectMin = time.Hour

	syncer := &fakeSyncer{started: make(chan struct{}, 4)}
	net := &fakeNet{ch: make(chan bool)}
	net.online.Store(true)
	o := NewOrchestrator(syncer, net, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	// launch cycle
	select {
	case <-syncer.started:
	case <-time.After(time.Second):
		t.Fatal("no initial cycle")
	}

	// a flap right after a finished cycle is suppressed
	net.ch <- true
	net.ch <- true
	select {
	case <-syncer.started:
		t.Error("reconnect flap triggered a cycle inside the debounce window")
	case <-time.After(50 * time.Millisecond):
	}
	if got := syncer.count(); got != 1 {
		t.Errorf("cycles = %d, want 1", got)
	}
}
