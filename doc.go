// Package quarry is a fleet remote-forensics engine for Go.
//
// Quarry runs investigative flows against a fleet of enrolled endpoint
// clients. Every piece of server state lives in a versioned
// subject/predicate datastore (PostgreSQL, bbolt, or in-memory), so any
// number of engine processes can serve the same fleet: workers claim
// flow sessions under leases, a leader-elected instance runs the
// maintenance sweeps, and frontends answer client polls statelessly.
//
// # Key pieces
//
//   - Flows: persisted state machines that issue requests to clients
//     and process their responses (see the flow package)
//   - Hunts: a flow fanned out across the fleet with rate limits,
//     client limits, and pluggable result outputs (hunt, hunt/output)
//   - Foreman: rules that task matching clients as they check in
//   - Frontend: the HTTP endpoint clients poll, with HMAC-signed
//     envelopes (frontend)
//   - Access control: multi-approver authorization for touching client
//     data (acl)
//
// # Quick start
//
// Create an engine on a datastore and start a flow:
//
//	store := memdb.New()
//	engine, err := quarry.New(store,
//	    quarry.WithLogger(logger),
//	    quarry.WithFrontend(&frontend.Config{Listen: ":8080"}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop(ctx)
//
//	sid, err := engine.StartFlow(ctx, flow.StartArgs{
//	    FlowName: "Interrogate",
//	    ClientID: clientID,
//	    Creator:  "analyst",
//	})
//
// On PostgreSQL, pass a driver so instances wake each other through
// LISTEN/NOTIFY instead of polling:
//
//	drv := pgxv5.New(pool)
//	store := pgdb.New(drv.GetExecutor())
//	engine, err := quarry.New(store,
//	    quarry.WithNotifier(drv.GetListener, drv.GetNotifier()),
//	)
//
// # Custom flows
//
// Implement flow.Definition and register it at init time:
//
//	type CollectBrowserHistory struct{ flow.Base }
//
//	func (CollectBrowserHistory) Name() string { return "CollectBrowserHistory" }
//	func (CollectBrowserHistory) Start(ctx context.Context, r *flow.Runner) error {
//	    return r.CallClient(ctx, "ListDirectory", args, "Process")
//	}
//
// Registered flows can be started directly, fanned out as hunts, or
// attached to foreman rules.
package quarry
