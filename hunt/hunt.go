// Package hunt fans one flow out across the fleet. A hunt is a flow
// session on the hunt queue whose requests are consumed unordered: the
// foreman feeds it clients as they check in, the hunt runner paces them
// and starts one child flow per client, and the children's results are
// aggregated back into the hunt's collections.
//
// The hunt object (arguments plus lifecycle state) is a single
// predicate on the session subject. The control plane rewrites it in a
// subject transaction and the runner rewrites it in the pass
// transaction, so concurrent transitions conflict and retry instead of
// racing.
//
//	          Start
//	PAUSED <--------> STARTED ----> COMPLETED   expiry
//	   |      Pause      |
//	   +--------+--------+-------> STOPPED      operator stop, limits
//
// PAUSED and STARTED alternate freely; STOPPED and COMPLETED are final.
package hunt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quarryhq/quarry/collection"
	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/foreman"
	"github.com/quarryhq/quarry/types"
)

// State is a hunt lifecycle state.
type State string

// Hunt lifecycle states.
const (
	StatePaused    State = "PAUSED"
	StateStarted   State = "STARTED"
	StateStopped   State = "STOPPED"
	StateCompleted State = "COMPLETED"
)

// Terminal reports whether no transition can leave the state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCompleted
}

func (s State) String() string { return string(s) }

// Scheduling bounds.
const (
	// MaxClientLimit is the ceiling on Args.ClientLimit unless Force is
	// set.
	MaxClientLimit = 1000

	// DefaultExpiry applies when Args.Expiry is zero.
	DefaultExpiry = 14 * 24 * time.Hour

	// MinClientsForAverages is how many clients must have finished
	// before the average-per-client limits are enforced.
	MinClientsForAverages = 1000
)

// ParentStoppedReason is recorded on child flows terminated because
// their hunt stopped.
const ParentStoppedReason = "Parent hunt stopped."

// Sentinel errors.
var (
	// ErrUnknownHunt means the subject carries no hunt object.
	ErrUnknownHunt = errors.New("unknown hunt")

	// ErrBadState means the hunt's current state does not allow the
	// requested transition.
	ErrBadState = errors.New("state does not allow this operation")
)

// huntPredicate holds the serialized Hunt object on the session
// subject.
const huntPredicate = "hunt:object"

// memberPredicatePrefix prefixes the per-client rows on the membership
// subjects. The value is the decimal microsecond time the client was
// recorded.
const memberPredicatePrefix = "client:"

// AllClientsSubject lists every client admitted to the hunt. Rows are
// written by the runner after the client limit check, so the list never
// exceeds ClientLimit.
func AllClientsSubject(huntID types.SessionID) string {
	return huntID.Subject() + "/AllClients"
}

// seenClientsSubject dedups admission requests. StartClients marks a
// client here when it synthesizes its AddClient request, so a repeated
// foreman match is dropped without a second request.
func seenClientsSubject(huntID types.SessionID) string {
	return huntID.Subject() + "/SeenClients"
}

// CompletedClientsSubject lists clients whose child flow finished.
func CompletedClientsSubject(huntID types.SessionID) string {
	return huntID.Subject() + "/CompletedClients"
}

// ErrorsSubject is the collection of per-client error records.
func ErrorsSubject(huntID types.SessionID) string {
	return huntID.Subject() + "/Errors"
}

// CrashesSubject is the collection of client crashes attributed to the
// hunt.
func CrashesSubject(huntID types.SessionID) string {
	return huntID.Subject() + "/Crashes"
}

// ResultsMetadataSubject carries the output processor's bookkeeping,
// one delivery offset per configured plugin.
func ResultsMetadataSubject(huntID types.SessionID) string {
	return huntID.Subject() + "/ResultsMetadata"
}

// PluginDescriptor names an output plugin and its argument document.
type PluginDescriptor struct {
	Name string         `json:"name"`
	Args types.Document `json:"args,omitempty"`
}

// Args describes a hunt to create.
type Args struct {
	// Name and Description are operator-facing.
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// FlowName is the flow run on each client, with FlowArgs as its
	// argument document.
	FlowName string         `json:"flow_name"`
	FlowArgs types.Document `json:"flow_args,omitempty"`

	// Regex and Integer clauses select the clients the foreman feeds
	// in. Both empty matches the whole fleet.
	Regex   []foreman.RegexClause   `json:"regex_rules,omitempty"`
	Integer []foreman.IntegerClause `json:"integer_rules,omitempty"`

	// ClientRate caps scheduling at this many clients per minute. Zero
	// disables pacing.
	ClientRate float64 `json:"client_rate,omitempty"`

	// ClientLimit pauses the hunt once this many clients were admitted.
	// Zero means unlimited. Limits above MaxClientLimit are refused
	// unless Force is set.
	ClientLimit int  `json:"client_limit,omitempty"`
	Force       bool `json:"force,omitempty"`

	// Expiry bounds the hunt's life; it completes when the deadline
	// passes. Zero means DefaultExpiry.
	Expiry time.Duration `json:"expiry,omitempty"`

	// CPULimit and NetworkBytesLimit cap the hunt's total spend across
	// all clients; crossing either stops the hunt. Zero leaves the
	// dimension uncapped.
	CPULimit          float64 `json:"cpu_limit,omitempty"`
	NetworkBytesLimit uint64  `json:"network_bytes_limit,omitempty"`

	// PerClientCPULimit and PerClientNetworkBytesLimit cap each child
	// flow. A child also never gets more than what remains of the hunt
	// totals.
	PerClientCPULimit          float64 `json:"per_client_cpu_limit,omitempty"`
	PerClientNetworkBytesLimit uint64  `json:"per_client_network_bytes_limit,omitempty"`

	// Average-per-client limits, checked once MinClientsForAverages
	// clients have finished. Crossing one stops the hunt. Zero disables
	// a check.
	AvgResultsPerClientLimit      int64   `json:"avg_results_per_client_limit,omitempty"`
	AvgCPUSecondsPerClientLimit   float64 `json:"avg_cpu_seconds_per_client_limit,omitempty"`
	AvgNetworkBytesPerClientLimit uint64  `json:"avg_network_bytes_per_client_limit,omitempty"`

	// OutputPlugins receive the hunt's results as they arrive.
	OutputPlugins []PluginDescriptor `json:"output_plugins,omitempty"`
}

// Hunt is the persisted hunt object.
type Hunt struct {
	ID      types.SessionID `json:"id"`
	Args    Args            `json:"args"`
	State   State           `json:"state"`
	Creator string          `json:"creator,omitempty"`
	Created types.Timestamp `json:"created"`
	Expires types.Timestamp `json:"expires"`

	// StopReason records why the hunt reached STOPPED.
	StopReason string `json:"stop_reason,omitempty"`
}

// CountersTypeName is the document type of the hunt's progress
// counters.
const CountersTypeName = "HuntCounters"

// Counters accumulates scheduling progress. They live in the hunt
// session's flow context, so every change commits atomically with the
// pass that made it.
type Counters struct {
	// ScheduledClients is how many clients AddClient admitted.
	ScheduledClients int `json:"scheduled_clients,omitempty"`

	// StartedClients is how many child flows RunClient started.
	StartedClients int `json:"started_clients,omitempty"`

	// CompletedClients is how many children reported a final status.
	CompletedClients int `json:"completed_clients,omitempty"`

	// ClientsWithResults is how many children replied at least once.
	ClientsWithResults int `json:"clients_with_results,omitempty"`

	// Results is the total number of replies forwarded by children.
	Results int64 `json:"results,omitempty"`

	// Errors is how many children finished with a failed status.
	Errors int `json:"errors,omitempty"`

	// NextClientDue is the pacing accumulator: when the next admitted
	// client becomes eligible to run.
	NextClientDue types.Timestamp `json:"next_client_due,omitempty"`
}

// Document types stored in the hunt's error and crash collections.
const (
	ErrorRecordTypeName = "HuntError"
	CrashRecordTypeName = "ClientCrash"
)

// ErrorRecord is one child flow that finished with an error.
type ErrorRecord struct {
	ClientID  types.ClientID  `json:"client_id"`
	SessionID types.SessionID `json:"session_id,omitempty"`
	Message   string          `json:"message,omitempty"`
	Backtrace string          `json:"backtrace,omitempty"`
	Time      types.Timestamp `json:"time"`
}

// CrashRecord is one client that died while working for the hunt.
type CrashRecord struct {
	ClientID  types.ClientID  `json:"client_id"`
	SessionID types.SessionID `json:"session_id,omitempty"`
	Message   string          `json:"message,omitempty"`
	Time      types.Timestamp `json:"time"`
}

func encodeHunt(h *Hunt) ([]byte, error) {
	buf, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hunt object: %w", err)
	}
	return buf, nil
}

func decodeHunt(buf []byte) (*Hunt, error) {
	var h Hunt
	if err := json.Unmarshal(buf, &h); err != nil {
		return nil, fmt.Errorf("failed to decode hunt object: %w", err)
	}
	return &h, nil
}

// Load reads the stored hunt object. Callers that also need live
// counters should go through Manager.Status instead.
func Load(ctx context.Context, ds datastore.Reader, huntID types.SessionID) (*Hunt, error) {
	return loadHunt(ctx, ds, huntID)
}

func loadHunt(ctx context.Context, ds datastore.Reader, huntID types.SessionID) (*Hunt, error) {
	rec, err := ds.Resolve(ctx, huntID.Subject(), huntPredicate)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHunt, huntID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read hunt %s: %w", huntID, err)
	}
	return decodeHunt(rec.Value)
}

func loadHuntTx(ctx context.Context, tx datastore.Tx, huntID types.SessionID) (*Hunt, error) {
	rec, err := tx.Resolve(ctx, huntPredicate)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHunt, huntID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read hunt %s: %w", huntID, err)
	}
	return decodeHunt(rec.Value)
}

// addMember records the client on a membership subject, returning false
// when it was already there. The check and the write share a
// transaction, so concurrent schedulers admit a client exactly once.
func addMember(ctx context.Context, ds datastore.DataStore, subject string, clientID types.ClientID, now types.Timestamp) (bool, error) {
	added := false
	predicate := memberPredicatePrefix + string(clientID)
	err := datastore.RetryWrapper(ctx, ds, subject, func(tx datastore.Tx) error {
		added = false
		_, err := tx.Resolve(ctx, predicate)
		if err == nil {
			return nil
		}
		if !errors.Is(err, datastore.ErrNotFound) {
			return err
		}
		tx.Set(predicate, datastore.EncodeInt(int64(now)), 0, true)
		added = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to record hunt client on %s: %w", subject, err)
	}
	return added, nil
}

func members(ctx context.Context, ds datastore.Reader, subject string) ([]flow.ClientMarker, error) {
	recs, err := ds.ResolvePrefix(ctx, subject, memberPredicatePrefix, datastore.Newest())
	if err != nil {
		return nil, fmt.Errorf("failed to read hunt clients on %s: %w", subject, err)
	}
	marks := make([]flow.ClientMarker, 0, len(recs))
	for _, rec := range recs {
		ts, err := datastore.DecodeInt(rec.Value)
		if err != nil {
			continue
		}
		marks = append(marks, flow.ClientMarker{
			ClientID: types.ClientID(strings.TrimPrefix(rec.Predicate, memberPredicatePrefix)),
			Time:     types.Timestamp(ts),
		})
	}
	return marks, nil
}

// Clients lists every client admitted to the hunt, ordered by id.
func Clients(ctx context.Context, ds datastore.Reader, huntID types.SessionID) ([]flow.ClientMarker, error) {
	return members(ctx, ds, AllClientsSubject(huntID))
}

// CompletedClients lists clients whose child flow finished, ordered by
// id.
func CompletedClients(ctx context.Context, ds datastore.Reader, huntID types.SessionID) ([]flow.ClientMarker, error) {
	return members(ctx, ds, CompletedClientsSubject(huntID))
}

// Errors reads the hunt's error records. Zero limit means no limit.
func Errors(ctx context.Context, ds datastore.DataStore, huntID types.SessionID, offset, limit int64) ([]types.Document, error) {
	return collection.New(ds, ErrorsSubject(huntID)).Items(ctx, offset, limit)
}

// Crashes reads the hunt's crash records. Zero limit means no limit.
func Crashes(ctx context.Context, ds datastore.DataStore, huntID types.SessionID, offset, limit int64) ([]types.Document, error) {
	return collection.New(ds, CrashesSubject(huntID)).Items(ctx, offset, limit)
}

// RecordCrash appends a crash record to the hunt. The frontend calls
// this when a client reports it was killed while working for one of the
// hunt's children.
func RecordCrash(ctx context.Context, ds datastore.DataStore, huntID types.SessionID, rec CrashRecord) error {
	doc, err := types.NewDocument(CrashRecordTypeName, rec)
	if err != nil {
		return err
	}
	if err := collection.New(ds, CrashesSubject(huntID)).Add(ctx, doc); err != nil {
		return fmt.Errorf("failed to record crash for %s: %w", huntID, err)
	}
	clientCrashes.Inc()
	return nil
}
