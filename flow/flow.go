// Package flow implements the server-side flow engine: persisted state
// machines that drive client actions and child flows through the
// request/response queues.
//
// A flow is defined once as a Definition and registered at init time.
// Each running instance is a session: its Context lives in the
// datastore, its outstanding requests live in the queue manager's
// request table, and a worker resumes it whenever a notification says
// responses arrived. Between worker passes a flow holds no memory; the
// state machine is re-entered from its persisted context every time.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/quarryhq/quarry/types"
)

// Logger interface for flow logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a no-op implementation of Logger.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// Sentinel errors returned by the flow engine.
var (
	// ErrUnknownFlow is returned when a flow name has no registered
	// definition.
	ErrUnknownFlow = errors.New("unknown flow")

	// ErrUnknownSession is returned when a session id has no persisted
	// context. Workers drop notifications for such sessions.
	ErrUnknownSession = errors.New("unknown session")

	// ErrFlowFlushed is returned when a runner is used after Flush. A
	// runner is good for exactly one processing pass.
	ErrFlowFlushed = errors.New("flow runner already flushed")

	// ErrFlowTerminated is returned when an operation needs a live flow
	// but the session already reached a terminal state.
	ErrFlowTerminated = errors.New("flow already terminated")
)

// State is the lifecycle state of a flow session.
//
//	RUNNING ──────> TERMINATED
//	   │  ▲              │ (internal overwrite
//	   ▼  │              ▼  on failure only)
//	 PENDING          ERROR
//
// RUNNING means a worker is processing the session right now. PENDING
// means the flow waits for outstanding requests between worker passes.
// TERMINATED and ERROR are terminal; once persisted they never change,
// except that a failure during termination may overwrite TERMINATED
// with ERROR before the context is flushed.
type State string

const (
	StateRunning    State = "RUNNING"
	StatePending    State = "PENDING"
	StateTerminated State = "TERMINATED"
	StateError      State = "ERROR"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateError
}

// String returns the state as a string.
func (s State) String() string {
	return string(s)
}

// Behaviour classifies flows for UI filtering and access control.
// A flow may carry several behaviours.
type Behaviour uint8

const (
	// BehaviourBasic flows are safe for any authorized operator.
	BehaviourBasic Behaviour = 1 << iota

	// BehaviourAdvanced flows are shown to operators who asked for the
	// full list.
	BehaviourAdvanced

	// BehaviourDebug flows exist for engine diagnostics.
	BehaviourDebug
)

// Has reports whether all bits of flag are set.
func (b Behaviour) Has(flag Behaviour) bool {
	return b&flag == flag
}

// String returns the behaviour flags as a comma-separated string.
func (b Behaviour) String() string {
	var parts []string
	if b.Has(BehaviourBasic) {
		parts = append(parts, "BASIC")
	}
	if b.Has(BehaviourAdvanced) {
		parts = append(parts, "ADVANCED")
	}
	if b.Has(BehaviourDebug) {
		parts = append(parts, "DEBUG")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "," + p
	}
	return out
}

// StateFn is one state of a flow's state machine. It receives the
// completed responses of the request that named it as the next state.
// Returning an error fails the whole flow.
type StateFn func(ctx context.Context, r *Runner, responses *Responses) error

// Definition describes one flow type. Definitions must be stateless:
// all per-session data lives in the runner's context, because the same
// Definition value serves every session of that flow concurrently.
type Definition interface {
	// Name is the unique flow name clients of the API start flows by.
	Name() string

	// Start is the entry state, invoked exactly once when the session is
	// created. It typically issues the first CallClient or CallFlow.
	Start(ctx context.Context, r *Runner) error

	// States returns the named states requests may resume into. The map
	// must be the same on every call; it is read once per runner.
	States() map[string]StateFn

	// ArgsType is the Document type name the flow expects as arguments.
	// Empty means the flow takes none. Mismatched arguments fail the
	// start call, never a worker.
	ArgsType() string

	// Category places the flow in the operator UI tree. Flows without a
	// category cannot be started directly by users, only by the system
	// or as children of other flows.
	Category() string

	// Behaviour returns the flow's behaviour flags.
	Behaviour() Behaviour
}

// startStateName is the reserved entry state every flow begins in.
const startStateName = "Start"

// Base provides Definition defaults suitable for embedding. It leaves
// Name, Start and States to the embedding flow.
type Base struct{}

// ArgsType defaults to no arguments.
func (Base) ArgsType() string { return "" }

// Category marks the flow as not user-startable by default.
func (Base) Category() string { return "" }

// Behaviour defaults to ADVANCED.
func (Base) Behaviour() Behaviour { return BehaviourAdvanced }

// States defaults to no resumable states beyond Start.
func (Base) States() map[string]StateFn { return nil }

// UnorderedDefinition is a flow whose requests are independent of each
// other. The worker pass consumes every completed request it finds
// instead of gating on the next request id, and an idle session stays
// alive instead of draining to TERMINATED. Hunts process this way:
// every scheduled client is its own randomly numbered request, and the
// session only ends when the hunt is stopped.
type UnorderedDefinition interface {
	Definition

	// UnorderedRequests reports whether ordered delivery is disabled.
	UnorderedRequests() bool
}

func unorderedRequests(def Definition) bool {
	u, ok := def.(UnorderedDefinition)
	return ok && u.UnorderedRequests()
}

// WellKnownDefinition is a flow with a fixed session id that processes
// unsolicited client messages (request id 0) one at a time instead of
// running a request/response state machine. Enrolment and client stats
// arrive this way.
type WellKnownDefinition interface {
	Definition

	// WellKnownSessionID returns the fixed address of this flow.
	WellKnownSessionID() types.SessionID

	// ProcessMessage handles one unsolicited message. It is called
	// inline by the frontend; errors are logged and the message dropped.
	ProcessMessage(ctx context.Context, deps *Deps, msg *types.Message) error
}

// DeliverWellKnown hands an unsolicited message (request id 0) to the
// well-known flow it addresses.
func DeliverWellKnown(ctx context.Context, deps *Deps, msg *types.Message) error {
	wk, ok := LookupWellKnown(msg.SessionID)
	if !ok {
		return fmt.Errorf("%w: no well-known flow at %s", ErrUnknownSession, msg.SessionID)
	}
	return wk.ProcessMessage(ctx, deps.normalized(), msg)
}

// Global registry - package-level and populated at init() time
var (
	registryMu sync.RWMutex
	registry   = make(map[string]Definition)
)

// Register registers a flow definition globally. This should be called
// at package init time, before workers start claiming sessions.
//
// Example:
//
//	func init() {
//	    flow.MustRegister(&Interrogate{})
//	}
func Register(def Definition) error {
	if def == nil {
		return fmt.Errorf("flow definition is nil")
	}
	name := def.Name()
	if name == "" {
		return fmt.Errorf("flow name is required")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		return fmt.Errorf("flow %q already registered", name)
	}

	registry[name] = def
	return nil
}

// MustRegister is like Register but panics on error.
// This is useful for init() functions where errors should be fatal.
func MustRegister(def Definition) {
	if err := Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns a registered flow definition by name.
func Lookup(name string) (Definition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[name]
	return def, ok
}

// LookupWellKnown returns the well-known flow addressed by the session
// id, if one is registered.
func LookupWellKnown(sessionID types.SessionID) (WellKnownDefinition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, def := range registry {
		wk, ok := def.(WellKnownDefinition)
		if ok && wk.WellKnownSessionID() == sessionID {
			return wk, true
		}
	}
	return nil, false
}

// List returns all registered flow names, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListByBehaviour returns the sorted names of flows carrying the given
// behaviour flag.
func ListByBehaviour(flag Behaviour) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var names []string
	for name, def := range registry {
		if def.Behaviour().Has(flag) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ClearRegistry removes all registered flows.
// This is mainly useful for testing.
func ClearRegistry() {
	registryMu.Lock()
	registry = make(map[string]Definition)
	registryMu.Unlock()
}
