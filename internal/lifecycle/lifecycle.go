// Package lifecycle implements the managed-service state machine:
// declarative startup/shutdown ordering across dependent services, with
// a failure cascade to dependents.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/libragraph-com/vault/internal/obslog"
)

// State is a managed service's lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Hooks are the caller-supplied start/stop actions a Service wraps with
// state-machine bookkeeping.
type Hooks struct {
	DoStart func(ctx context.Context) error
	DoStop  func(ctx context.Context) error
}

// Service is a single managed component: an atomic state cell plus the
// names of the services it depends on.
type Service struct {
	Name      string
	DependsOn []string

	hooks Hooks
	state atomic.Int32
}

func newService(name string, dependsOn []string, hooks Hooks) *Service {
	svc := &Service{Name: name, DependsOn: dependsOn, hooks: hooks}
	svc.state.Store(int32(Stopped))
	return svc
}

// State returns the service's current state.
func (s *Service) State() State {
	return State(s.state.Load())
}

func (s *Service) setState(st State) {
	s.state.Store(int32(st))
}

// compareAndSetState performs the transition only if the service is
// currently in `from`, returning whether it applied.
func (s *Service) compareAndSetState(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// ServiceStateChangedEvent is published on every state transition.
type ServiceStateChangedEvent struct {
	Service string
	From    State
	To      State
	Cause   error // non-nil only when To == Failed
}

// Manager owns the registered services, their dependency graph, and the
// cascade observer that fails dependents when a dependency fails.
type Manager struct {
	mu       sync.RWMutex
	services map[string]*Service

	subMu sync.Mutex
	subs  map[chan ServiceStateChangedEvent]struct{}

	logger zerolog.Logger

	// startingMu serializes Start calls so the cascade observer never
	// races a service's own startup transition.
	startingMu sync.Mutex
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	m := &Manager{
		services: make(map[string]*Service),
		subs:     make(map[chan ServiceStateChangedEvent]struct{}),
		logger:   obslog.WithComponent("lifecycle"),
	}
	return m
}

// Register declares a managed service and its dependencies. Dependencies
// must already be registered (dependency order is the registration order
// the caller chooses, matching a static component registry rather than a
// framework-discovered DI graph).
func (m *Manager) Register(name string, dependsOn []string, hooks Hooks) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[name]; exists {
		return fmt.Errorf("lifecycle: service %q already registered", name)
	}
	for _, dep := range dependsOn {
		if _, ok := m.services[dep]; !ok {
			return fmt.Errorf("lifecycle: service %q depends on unregistered %q", name, dep)
		}
	}
	m.services[name] = newService(name, dependsOn, hooks)
	return nil
}

// Subscribe returns a channel of state-change events and an unsubscribe
// function.
func (m *Manager) Subscribe() (<-chan ServiceStateChangedEvent, func()) {
	ch := make(chan ServiceStateChangedEvent, 32)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (m *Manager) publish(e ServiceStateChangedEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (m *Manager) lookup(name string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	if !ok {
		return nil, fmt.Errorf("lifecycle: unknown service %q", name)
	}
	return svc, nil
}

// Start transitions name from STOPPED to RUNNING, verifying every
// declared dependency is RUNNING first. Failure during doStart
// transitions the service to FAILED and cascades to its dependents.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.startingMu.Lock()
	defer m.startingMu.Unlock()
	return m.start(ctx, name)
}

func (m *Manager) start(ctx context.Context, name string) error {
	svc, err := m.lookup(name)
	if err != nil {
		return err
	}
	if svc.State() == Running {
		return nil
	}

	for _, dep := range svc.DependsOn {
		depSvc, err := m.lookup(dep)
		if err != nil {
			return err
		}
		if depSvc.State() != Running {
			return fmt.Errorf("lifecycle: %s: dependency %s is not running (state %s)", name, dep, depSvc.State())
		}
	}

	if !svc.compareAndSetState(Stopped, Starting) {
		return fmt.Errorf("lifecycle: %s: cannot start from state %s", name, svc.State())
	}
	m.logger.Info().Str("service", name).Msg("starting")
	m.publish(ServiceStateChangedEvent{Service: name, From: Stopped, To: Starting})

	if svc.hooks.DoStart != nil {
		if err := svc.hooks.DoStart(ctx); err != nil {
			svc.setState(Failed)
			m.logger.Error().Str("service", name).Err(err).Msg("start failed")
			m.publish(ServiceStateChangedEvent{Service: name, From: Starting, To: Failed, Cause: err})
			m.cascadeFailure(name, err)
			return fmt.Errorf("lifecycle: start %s: %w", name, err)
		}
	}

	svc.setState(Running)
	m.logger.Info().Str("service", name).Msg("running")
	m.publish(ServiceStateChangedEvent{Service: name, From: Starting, To: Running})
	return nil
}

// Stop transitions name from RUNNING to STOPPED. It does not verify
// dependents are already stopped; callers are expected to stop in
// reverse dependency order, the mirror image of Start.
func (m *Manager) Stop(ctx context.Context, name string) error {
	svc, err := m.lookup(name)
	if err != nil {
		return err
	}
	if svc.State() == Stopped {
		return nil
	}
	if !svc.compareAndSetState(Running, Stopping) {
		return fmt.Errorf("lifecycle: %s: cannot stop from state %s", name, svc.State())
	}
	m.logger.Info().Str("service", name).Msg("stopping")
	m.publish(ServiceStateChangedEvent{Service: name, From: Running, To: Stopping})

	if svc.hooks.DoStop != nil {
		if err := svc.hooks.DoStop(ctx); err != nil {
			svc.setState(Failed)
			m.logger.Error().Str("service", name).Err(err).Msg("stop failed")
			m.publish(ServiceStateChangedEvent{Service: name, From: Stopping, To: Failed, Cause: err})
			return fmt.Errorf("lifecycle: stop %s: %w", name, err)
		}
	}

	svc.setState(Stopped)
	m.logger.Info().Str("service", name).Msg("stopped")
	m.publish(ServiceStateChangedEvent{Service: name, From: Stopping, To: Stopped})
	return nil
}

// StartAll starts every registered service in an order that respects
// declared dependencies (a simple repeated pass rather than an explicit
// topological sort, since the registry is expected to be small and
// Register already rejects forward references).
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.RUnlock()

	started := make(map[string]bool, len(names))
	for len(started) < len(names) {
		progressed := false
		for _, name := range names {
			if started[name] {
				continue
			}
			svc, err := m.lookup(name)
			if err != nil {
				return err
			}
			ready := true
			for _, dep := range svc.DependsOn {
				if !started[dep] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			if err := m.Start(ctx, name); err != nil {
				return err
			}
			started[name] = true
			progressed = true
		}
		if !progressed {
			return fmt.Errorf("lifecycle: dependency cycle or missing dependency among %v", names)
		}
	}
	return nil
}

// State reports the current state of a registered service.
func (m *Manager) State(name string) (State, error) {
	svc, err := m.lookup(name)
	if err != nil {
		return Stopped, err
	}
	return svc.State(), nil
}

// cascadeFailure transitively fails every service that (directly or
// transitively) depends on failedName, publishing one event per
// dependent. This runs synchronously from within start()'s failure path,
// but only touches dependents, never failedName itself or anything
// already Starting on this same call stack, so it cannot reenter the
// start() it was invoked from.
func (m *Manager) cascadeFailure(failedName string, cause error) {
	m.mu.RLock()
	dependents := make(map[string][]string, len(m.services))
	for name, svc := range m.services {
		dependents[name] = svc.DependsOn
	}
	m.mu.RUnlock()

	visited := map[string]bool{failedName: true}
	var fail func(target string)
	fail = func(target string) {
		for name, deps := range dependents {
			if visited[name] {
				continue
			}
			for _, d := range deps {
				if d == target {
					visited[name] = true
					svc, err := m.lookup(name)
					if err != nil {
						continue
					}
					prev := svc.State()
					if prev == Failed || prev == Stopped {
						continue
					}
					svc.setState(Failed)
					m.logger.Warn().Str("service", name).Str("failed_dependency", failedName).Msg("cascading failure")
					m.publish(ServiceStateChangedEvent{Service: name, From: prev, To: Failed, Cause: fmt.Errorf("dependency %s failed: %w", target, cause)})
					fail(name)
					break
				}
			}
		}
	}
	fail(failedName)
}
