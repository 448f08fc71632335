// Package general holds the built-in flows every deployment registers:
// endpoint interrogation, directory listing, chunked file transfer, an
// echo diagnostic and the enrolment well-known flow.
//
// The flows register themselves at init time; importing the package is
// enough to make them startable.
package general

import (
	"context"
	"fmt"

	"github.com/quarryhq/quarry/action"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/types"
)

// Flow categories surfaced to users. A flow without a category cannot
// be started through the user-facing API.
const (
	categoryAdministrative = "Administrative"
	categoryFilesystem     = "Filesystem"
)

func init() {
	types.MustRegisterPayload("GetFileArgs", GetFileArgs{})
	types.MustRegisterPayload(EnrolmentRequestTypeName, EnrolmentRequest{})

	flow.MustRegister(Echo{})
	flow.MustRegister(Interrogate{})
	flow.MustRegister(ListDirectory{})
	flow.MustRegister(GetFile{})
	flow.MustRegister(CAEnroler{})
}

// Echo round-trips a payload through the endpoint. It verifies the full
// task queue path without touching the machine, so it is the first flow
// to run against a misbehaving client.
type Echo struct{ flow.Base }

func (Echo) Name() string { return "Echo" }

func (Echo) ArgsType() string { return "EchoArgs" }

func (Echo) Category() string { return categoryAdministrative }

func (Echo) Behaviour() flow.Behaviour { return flow.BehaviourDebug }

func (Echo) Start(ctx context.Context, r *flow.Runner) error {
	var args action.EchoArgs
	if err := r.Args().DecodeAs("EchoArgs", &args); err != nil {
		return err
	}
	return r.CallClient(ctx, "Echo", args, "Pong")
}

func (Echo) States() map[string]flow.StateFn {
	return map[string]flow.StateFn{"Pong": echoPong}
}

func echoPong(ctx context.Context, r *flow.Runner, responses *flow.Responses) error {
	if !responses.Success() {
		return fmt.Errorf("echo failed: %s", responses.Status().ErrorMessage)
	}
	var args action.EchoArgs
	if err := r.Args().DecodeAs("EchoArgs", &args); err != nil {
		return err
	}
	for _, doc := range responses.Documents() {
		var result action.EchoResult
		if err := doc.DecodeAs("EchoResult", &result); err != nil {
			return err
		}
		if result.Data != args.Data {
			return fmt.Errorf("echo reply mismatch: sent %q, got back %q", args.Data, result.Data)
		}
		if err := r.SendReply(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}
