// Package maintenance provides the background upkeep services of an
// engine instance.
//
// This package includes:
//   - Instance registry: every running engine registers itself under
//     instances/<id> and heartbeats so operators can see the fleet
//   - Heartbeat service: keeps the instance's registration fresh
//   - Cleanup service: removes dead instances, expired foreman rules,
//     expired approvals and stuck sessions (leader only)
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/types"
)

// Default heartbeat configuration values
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultInstanceTTL       = 2 * time.Minute
)

// InstanceSubjectPrefix is the datastore path the registry lives under.
const InstanceSubjectPrefix = "instances/"

// Instance registry predicates.
const (
	instanceInfoPredicate      = "instance:info"
	instanceHeartbeatPredicate = "instance:last_heartbeat"
)

// Instance is one registered engine process.
type Instance struct {
	ID       string          `json:"id"`
	Hostname string          `json:"hostname,omitempty"`
	Started  types.Timestamp `json:"started"`

	// LastHeartbeat is filled from the heartbeat predicate on reads.
	LastHeartbeat types.Timestamp `json:"-"`
}

// InstanceSubject is the datastore subject of one instance record.
func InstanceSubject(instanceID string) string {
	return InstanceSubjectPrefix + instanceID
}

// RegisterInstance writes the instance record and its first heartbeat.
func RegisterInstance(ctx context.Context, ds datastore.DataStore, inst Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("instance id is required")
	}
	if inst.Started == 0 {
		inst.Started = ds.Now()
	}
	buf, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance record: %w", err)
	}
	values := map[string][]datastore.VersionedValue{
		instanceInfoPredicate:      {{Value: buf}},
		instanceHeartbeatPredicate: {{Value: datastore.EncodeInt(int64(ds.Now()))}},
	}
	if err := ds.MultiSet(ctx, InstanceSubject(inst.ID), values, nil, true); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}
	return nil
}

// DeregisterInstance removes the instance record.
func DeregisterInstance(ctx context.Context, ds datastore.DataStore, instanceID string) error {
	if err := ds.DeleteSubject(ctx, InstanceSubject(instanceID)); err != nil {
		return fmt.Errorf("failed to deregister instance: %w", err)
	}
	return nil
}

// ListInstances returns every registered instance with its last
// heartbeat time.
func ListInstances(ctx context.Context, ds datastore.DataStore) ([]Instance, error) {
	subjects, err := ds.ScanSubjects(ctx, InstanceSubjectPrefix, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to scan instances: %w", err)
	}

	out := make([]Instance, 0, len(subjects))
	for _, subject := range subjects {
		rec, err := ds.Resolve(ctx, subject, instanceInfoPredicate)
		if err != nil {
			continue
		}
		var inst Instance
		if err := json.Unmarshal(rec.Value, &inst); err != nil {
			continue
		}
		if hb, err := ds.Resolve(ctx, subject, instanceHeartbeatPredicate); err == nil {
			if ts, err := datastore.DecodeInt(hb.Value); err == nil {
				inst.LastHeartbeat = types.Timestamp(ts)
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

// HeartbeatConfig holds configuration for the heartbeat service.
type HeartbeatConfig struct {
	// Interval is how often to send heartbeats.
	// Default: 30 seconds
	Interval time.Duration

	// OnError is called when a heartbeat fails.
	// If nil, errors are silently ignored.
	OnError func(err error)
}

// DefaultHeartbeatConfig returns the default heartbeat configuration.
func DefaultHeartbeatConfig() *HeartbeatConfig {
	return &HeartbeatConfig{
		Interval: DefaultHeartbeatInterval,
	}
}

// Heartbeat keeps an instance's registration fresh so the cleanup
// service does not reap it.
type Heartbeat struct {
	ds         datastore.DataStore
	instanceID string
	config     *HeartbeatConfig

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewHeartbeat creates a new heartbeat service.
func NewHeartbeat(ds datastore.DataStore, instanceID string, config *HeartbeatConfig) *Heartbeat {
	if config == nil {
		config = DefaultHeartbeatConfig()
	}

	return &Heartbeat{
		ds:         ds,
		instanceID: instanceID,
		config:     config,
		done:       make(chan struct{}),
	}
}

// Start begins sending heartbeats.
// It returns immediately and runs the heartbeat loop in a goroutine.
func (h *Heartbeat) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, h.cancel = context.WithCancel(ctx)
	go h.run(ctx)

	return nil
}

// Stop stops sending heartbeats.
func (h *Heartbeat) Stop(ctx context.Context) error {
	if !h.started.Load() {
		return ErrNotStarted
	}

	h.cancel()
	<-h.done

	h.started.Store(false)
	return nil
}

// run is the main heartbeat loop.
func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)

	// Send initial heartbeat
	h.sendHeartbeat(ctx)

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sendHeartbeat(ctx)
		}
	}
}

// sendHeartbeat writes a single heartbeat.
func (h *Heartbeat) sendHeartbeat(ctx context.Context) {
	value := datastore.EncodeInt(int64(h.ds.Now()))
	err := h.ds.Set(ctx, InstanceSubject(h.instanceID), instanceHeartbeatPredicate, value, 0, true)
	if err != nil && h.config.OnError != nil {
		h.config.OnError(fmt.Errorf("failed to heartbeat: %w", err))
	}
}

// IsRunning returns true if the heartbeat service is running.
func (h *Heartbeat) IsRunning() bool {
	return h.started.Load()
}
