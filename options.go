package quarry

import (
	"context"
	"time"

	"github.com/quarryhq/quarry/acl"
	"github.com/quarryhq/quarry/driver"
	"github.com/quarryhq/quarry/frontend"
	"github.com/quarryhq/quarry/hooks"
	"github.com/quarryhq/quarry/hunt/output"
	"github.com/quarryhq/quarry/leadership"
	"github.com/quarryhq/quarry/maintenance"
	"github.com/quarryhq/quarry/worker"
)

// Option is a functional option for configuring an Engine.
type Option func(*engineOptions) error

// engineOptions collects everything New accepts, with defaults filled
// in before options run.
type engineOptions struct {
	instanceID string
	hostname   string
	logger     Logger

	heartbeatInterval time.Duration
	leaderTTL         time.Duration

	workerDisabled bool
	workerConfig   *worker.Config

	frontendConfig *frontend.Config
	outputConfig   *output.Config
	cleanupConfig  *maintenance.CleanupConfig
	aclConfig      *acl.Config
	hooks          *hooks.Registry

	getListener  func(ctx context.Context) (driver.Listener, error)
	notifyDriver driver.Notifier

	onError          func(err error)
	onBecameLeader   func()
	onLostLeadership func()
}

func defaultOptions() *engineOptions {
	return &engineOptions{
		logger:            noopLogger{},
		heartbeatInterval: maintenance.DefaultHeartbeatInterval,
		leaderTTL:         leadership.DefaultLeaderTTL,
	}
}

// WithInstanceID sets this process's instance id. Default: a random
// UUID.
func WithInstanceID(id string) Option {
	return func(o *engineOptions) error {
		o.instanceID = id
		return nil
	}
}

// WithHostname overrides the hostname stored in the instance registry.
func WithHostname(hostname string) Option {
	return func(o *engineOptions) error {
		o.hostname = hostname
		return nil
	}
}

// WithLogger sets the logger shared by the engine and its services.
func WithLogger(logger Logger) Option {
	return func(o *engineOptions) error {
		if logger != nil {
			o.logger = logger
		}
		return nil
	}
}

// WithHeartbeatInterval sets how often the instance heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *engineOptions) error {
		if d > 0 {
			o.heartbeatInterval = d
		}
		return nil
	}
}

// WithLeaderTTL sets the leadership lease duration.
func WithLeaderTTL(d time.Duration) Option {
	return func(o *engineOptions) error {
		if d > 0 {
			o.leaderTTL = d
		}
		return nil
	}
}

// WithWorkerConfig configures the embedded worker.
func WithWorkerConfig(config *worker.Config) Option {
	return func(o *engineOptions) error {
		o.workerConfig = config
		return nil
	}
}

// WithWorkerCount sets how many sessions the worker processes
// concurrently. Shorthand for the matching worker config field.
func WithWorkerCount(n int) Option {
	return func(o *engineOptions) error {
		if o.workerConfig == nil {
			o.workerConfig = &worker.Config{}
		}
		o.workerConfig.MaxConcurrentSessions = n
		return nil
	}
}

// WithQueues sets the queue names the worker claims from.
func WithQueues(queues ...string) Option {
	return func(o *engineOptions) error {
		if o.workerConfig == nil {
			o.workerConfig = &worker.Config{}
		}
		o.workerConfig.Queues = queues
		return nil
	}
}

// WithLeaseDuration sets how long a claimed session notification stays
// invisible to other workers.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *engineOptions) error {
		if o.workerConfig == nil {
			o.workerConfig = &worker.Config{}
		}
		o.workerConfig.Lease = d
		return nil
	}
}

// WithoutWorker runs this instance without a worker. Useful for
// dedicated frontend processes.
func WithoutWorker() Option {
	return func(o *engineOptions) error {
		o.workerDisabled = true
		return nil
	}
}

// WithFrontend enables the client HTTP frontend. A nil config uses the
// frontend defaults.
func WithFrontend(config *frontend.Config) Option {
	return func(o *engineOptions) error {
		if config == nil {
			config = frontend.DefaultConfig()
		}
		o.frontendConfig = config
		return nil
	}
}

// WithOutputConfig configures the leader's hunt output processor.
func WithOutputConfig(config *output.Config) Option {
	return func(o *engineOptions) error {
		o.outputConfig = config
		return nil
	}
}

// WithCleanupConfig configures the leader's maintenance sweeps.
func WithCleanupConfig(config *maintenance.CleanupConfig) Option {
	return func(o *engineOptions) error {
		o.cleanupConfig = config
		return nil
	}
}

// WithACLPolicy configures access control. Without it the manager runs
// with the default two-approver policy.
func WithACLPolicy(config *acl.Config) Option {
	return func(o *engineOptions) error {
		o.aclConfig = config
		return nil
	}
}

// WithHooks installs a prebuilt audit hook registry. Default: an empty
// registry the caller can add hooks to through Engine.Hooks().
func WithHooks(reg *hooks.Registry) Option {
	return func(o *engineOptions) error {
		o.hooks = reg
		return nil
	}
}

// WithNotifier wires LISTEN/NOTIFY style wakeups through a driver. The
// listener side is optional; a nil getListener leaves the notifier in
// send-only mode.
func WithNotifier(getListener func(ctx context.Context) (driver.Listener, error), notif driver.Notifier) Option {
	return func(o *engineOptions) error {
		o.getListener = getListener
		o.notifyDriver = notif
		return nil
	}
}

// WithOnError sets the callback invoked when background operations
// fail.
func WithOnError(fn func(err error)) Option {
	return func(o *engineOptions) error {
		o.onError = fn
		return nil
	}
}

// WithOnBecameLeader sets the callback invoked when this instance wins
// the election.
func WithOnBecameLeader(fn func()) Option {
	return func(o *engineOptions) error {
		o.onBecameLeader = fn
		return nil
	}
}

// WithOnLostLeadership sets the callback invoked when this instance
// loses the lease.
func WithOnLostLeadership(fn func()) Option {
	return func(o *engineOptions) error {
		o.onLostLeadership = fn
		return nil
	}
}
