package general

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/quarryhq/quarry/action"
	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/types"
)

// Interrogate asks the endpoint who it is and records the answers as
// client attributes, which is what makes the client visible to foreman
// rules and searches. Enrolment starts one automatically; operators
// re-run it to refresh stale metadata.
type Interrogate struct{ flow.Base }

func (Interrogate) Name() string { return "Interrogate" }

func (Interrogate) ArgsType() string { return "InterrogateArgs" }

func (Interrogate) Category() string { return categoryAdministrative }

func (Interrogate) Behaviour() flow.Behaviour { return flow.BehaviourBasic }

func (Interrogate) Start(ctx context.Context, r *flow.Runner) error {
	var args action.InterrogateArgs
	if !r.Args().IsZero() {
		if err := r.Args().DecodeAs("InterrogateArgs", &args); err != nil {
			return err
		}
	}
	return r.CallClient(ctx, "Interrogate", args, "StoreClientInfo")
}

func (Interrogate) States() map[string]flow.StateFn {
	return map[string]flow.StateFn{"StoreClientInfo": storeClientInfo}
}

func storeClientInfo(ctx context.Context, r *flow.Runner, responses *flow.Responses) error {
	if !responses.Success() {
		return fmt.Errorf("interrogate failed: %s", responses.Status().ErrorMessage)
	}
	if responses.Len() == 0 {
		return fmt.Errorf("interrogate returned no client information")
	}
	for _, doc := range responses.Documents() {
		var info action.ClientInformation
		if err := doc.DecodeAs("ClientInformation", &info); err != nil {
			return err
		}
		if err := WriteClientInfo(ctx, r.Store(), r.ClientID(), &info); err != nil {
			return err
		}
		if err := r.SendReply(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// WriteClientInfo maps an interrogate answer onto the client's
// attribute rows. Labels become one predicate each so foreman label
// clauses can match them individually.
func WriteClientInfo(ctx context.Context, ds datastore.DataStore, clientID types.ClientID, info *action.ClientInformation) error {
	one := func(s string) []datastore.VersionedValue {
		return []datastore.VersionedValue{{Value: []byte(s)}}
	}

	values := map[string][]datastore.VersionedValue{
		types.ClientOSPredicate:       one(info.System),
		types.ClientHostnamePredicate: one(info.Hostname),
	}
	if info.Release != "" {
		values[types.ClientReleasePredicate] = one(info.Release)
	}
	if info.Version != "" {
		values[types.ClientOSVersionPredicate] = one(info.Version)
	}
	if info.Arch != "" {
		values[types.ClientArchPredicate] = one(info.Arch)
	}
	if info.ClientVersion != 0 {
		values[types.ClientVersionPredicate] = one(strconv.Itoa(info.ClientVersion))
	}
	if !info.InstallTime.IsZero() {
		values[types.ClientInstallTimePredicate] = one(strconv.FormatInt(int64(info.InstallTime), 10))
	}
	if !info.BootTime.IsZero() {
		values[types.ClientBootTimePredicate] = one(strconv.FormatInt(int64(info.BootTime), 10))
	}
	if len(info.Usernames) > 0 {
		values[types.ClientUsernamesPredicate] = one(strings.Join(info.Usernames, " "))
	}
	for _, label := range info.Labels {
		if label == "" {
			continue
		}
		values[types.ClientLabelPrefix+label] = one(label)
	}

	if err := ds.MultiSet(ctx, clientID.Subject(), values, nil, true); err != nil {
		return fmt.Errorf("failed to write client info for %s: %w", clientID, err)
	}
	return nil
}
