// Package output delivers hunt results to external sinks.
//
// Every flow that finishes on a hunt client appends its replies to the
// hunt's results collection and rings the hunt results queue. The
// Processor drains that queue: it instantiates the hunt's configured
// output plugins, feeds them the results they have not seen yet in
// batches, and records a per-plugin offset so redelivered notifications
// never export the same result twice. Plugins are isolated from each
// other; one failing or panicking plugin does not hold back the rest.
package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/hunt"
	"github.com/quarryhq/quarry/types"
)

// Logger interface for output processor logging.
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

// Plugin receives hunt results as they accumulate. One instance lives
// for one processing round: the Processor constructs it from the hunt's
// stored descriptor, feeds it batches, then flushes and discards it.
type Plugin interface {
	// ProcessResults exports one batch. An error (or panic) marks the
	// plugin failed for this round; the batch is retried next round.
	ProcessResults(ctx context.Context, results []types.Document) error

	// Flush commits whatever ProcessResults buffered. It is called once
	// per round, after the last batch.
	Flush(ctx context.Context) error
}

// Factory builds a plugin instance for one hunt from its stored args.
type Factory func(huntID types.SessionID, args types.Document) (Plugin, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterPlugin makes a plugin available under a descriptor name.
// Call at init time, before processors run.
func RegisterPlugin(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if factory == nil {
		return fmt.Errorf("plugin factory is nil")
	}

	factoryMu.Lock()
	defer factoryMu.Unlock()

	if _, exists := factories[name]; exists {
		return fmt.Errorf("output plugin %q already registered", name)
	}

	factories[name] = factory
	return nil
}

// MustRegisterPlugin is like RegisterPlugin but panics on error.
func MustRegisterPlugin(name string, factory Factory) {
	if err := RegisterPlugin(name, factory); err != nil {
		panic(err)
	}
}

// LookupPlugin returns a registered plugin factory by name.
func LookupPlugin(name string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	f, ok := factories[name]
	return f, ok
}

// Record is the exported form of one hunt result. The file, broker and
// object-store plugins all emit it as one JSON document.
type Record struct {
	HuntID  types.SessionID `json:"hunt_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewRecord flattens a stored result document into its exported form.
func NewRecord(huntID types.SessionID, doc types.Document) Record {
	return Record{
		HuntID:  huntID,
		Type:    doc.TypeName,
		Payload: doc.Value,
	}
}

// Status is one plugin's durable bookkeeping on a hunt. Offset is the
// high-water mark into the results collection; results below it were
// exported by an earlier round and are never fed to the plugin again.
type Status struct {
	Plugin    string          `json:"plugin"`
	Offset    int64           `json:"offset"`
	Failures  int64           `json:"failures,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	UpdatedAt types.Timestamp `json:"updated_at"`
}

const pluginPredicatePrefix = "plugin:"

func offsetPredicate(idx int) string {
	return fmt.Sprintf("plugin:%d:offset", idx)
}

func statusPredicate(idx int) string {
	return fmt.Sprintf("plugin:%d:status", idx)
}

// Statuses reads the per-plugin bookkeeping of a hunt, ordered by the
// plugin's position in the hunt's descriptor list. Plugins that never
// ran have a zero status with just the name filled in.
func Statuses(ctx context.Context, ds datastore.DataStore, huntID types.SessionID) ([]Status, error) {
	h, err := hunt.Load(ctx, ds, huntID)
	if err != nil {
		return nil, err
	}

	recs, err := ds.ResolvePrefix(ctx, hunt.ResultsMetadataSubject(huntID), pluginPredicatePrefix, datastore.Newest())
	if err != nil {
		return nil, fmt.Errorf("failed to read output state for %s: %w", huntID, err)
	}

	statuses := make([]Status, len(h.Args.OutputPlugins))
	for i, desc := range h.Args.OutputPlugins {
		statuses[i].Plugin = desc.Name
	}
	for _, rec := range recs {
		idx, kind, ok := parsePluginPredicate(rec.Predicate)
		if !ok || idx >= len(statuses) {
			continue
		}
		switch kind {
		case "offset":
			if v, err := datastore.DecodeInt(rec.Value); err == nil {
				statuses[idx].Offset = v
			}
		case "status":
			var s Status
			if err := json.Unmarshal(rec.Value, &s); err == nil {
				offset := statuses[idx].Offset
				statuses[idx] = s
				statuses[idx].Offset = offset
			}
		}
	}
	return statuses, nil
}

func parsePluginPredicate(predicate string) (int, string, bool) {
	rest, ok := strings.CutPrefix(predicate, pluginPredicatePrefix)
	if !ok {
		return 0, "", false
	}
	field, kind, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, "", false
	}
	idx, err := strconv.Atoi(field)
	if err != nil || idx < 0 {
		return 0, "", false
	}
	return idx, kind, true
}

// VerifyHuntOutput checks a hunt's plugins for recorded failures and
// unexported backlog. It returns the statuses alongside an error when
// any plugin has failed or fallen behind the results collection.
func VerifyHuntOutput(ctx context.Context, ds datastore.DataStore, huntID types.SessionID, size int64) ([]Status, error) {
	statuses, err := Statuses(ctx, ds, huntID)
	if err != nil {
		return nil, err
	}

	var problems []string
	for _, s := range statuses {
		if s.LastError != "" {
			problems = append(problems, fmt.Sprintf("plugin %s failed: %s", s.Plugin, s.LastError))
			continue
		}
		if s.Offset < size {
			problems = append(problems, fmt.Sprintf("plugin %s is %d results behind", s.Plugin, size-s.Offset))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return statuses, errors.New(strings.Join(problems, "; "))
	}
	return statuses, nil
}
