package general

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/types"
)

// EnrolmentRequestTypeName is the document type of enrolment payloads.
const EnrolmentRequestTypeName = "EnrolmentRequest"

// EnrolmentSessionID is the fixed address clients send enrolment
// requests to. The frontend accepts unauthenticated traffic only here.
var EnrolmentSessionID = types.WellKnownSessionID(types.EnrolmentQueue, "Enrol")

// EnrolmentRequest is what a new client sends to join the fleet. The
// client id is derived from its key material on the endpoint; the comms
// key is the shared secret it will sign envelopes with from then on.
type EnrolmentRequest struct {
	ClientID      types.ClientID `json:"client_id"`
	CommsKey      string         `json:"comms_key"`
	ClientVersion int            `json:"client_version,omitempty"`
}

// CAEnroler is the well-known flow that admits new clients. It runs
// inline on the frontend, so a client's first poll after enrolment
// already finds the interrogate request waiting.
type CAEnroler struct{ flow.Base }

func (CAEnroler) Name() string { return "CAEnroler" }

func (CAEnroler) WellKnownSessionID() types.SessionID { return EnrolmentSessionID }

func (CAEnroler) Start(ctx context.Context, r *flow.Runner) error {
	return fmt.Errorf("CAEnroler only processes well-known messages")
}

func (CAEnroler) ProcessMessage(ctx context.Context, deps *flow.Deps, msg *types.Message) error {
	var req EnrolmentRequest
	if err := msg.Payload.DecodeAs(EnrolmentRequestTypeName, &req); err != nil {
		return fmt.Errorf("undecodable enrolment request: %w", err)
	}
	if _, err := types.ParseClientID(req.ClientID.String()); err != nil {
		return fmt.Errorf("enrolment rejected: %w", err)
	}
	if req.CommsKey == "" {
		return fmt.Errorf("enrolment rejected: client %s sent no communication key", req.ClientID)
	}

	// First key wins. Re-enrolment of a known client is a no-op, so a
	// replayed request cannot rotate the key of an enrolled client.
	_, err := deps.Store.Resolve(ctx, req.ClientID.Subject(), types.ClientCommsKeyPredicate)
	if err == nil {
		deps.Logger.Debug("ignoring enrolment for known client", "client_id", req.ClientID)
		return nil
	}
	if !errors.Is(err, datastore.ErrNotFound) {
		return fmt.Errorf("failed to check enrolment state: %w", err)
	}

	now := deps.Store.Now()
	values := map[string][]datastore.VersionedValue{
		types.ClientCommsKeyPredicate:  {{Value: []byte(req.CommsKey)}},
		types.ClientFirstSeenPredicate: {{Value: []byte(strconv.FormatInt(int64(now), 10))}},
	}
	if req.ClientVersion != 0 {
		values[types.ClientVersionPredicate] = []datastore.VersionedValue{
			{Value: []byte(strconv.Itoa(req.ClientVersion))},
		}
	}
	if err := deps.Store.MultiSet(ctx, req.ClientID.Subject(), values, nil, true); err != nil {
		return fmt.Errorf("failed to write client record: %w", err)
	}

	if _, err := flow.StartFlow(ctx, deps, flow.StartArgs{
		FlowName: "Interrogate",
		ClientID: req.ClientID,
		Creator:  "CAEnroler",
	}); err != nil {
		return fmt.Errorf("failed to start interrogate for %s: %w", req.ClientID, err)
	}

	deps.Logger.Info("enrolled client", "client_id", req.ClientID)
	return nil
}
