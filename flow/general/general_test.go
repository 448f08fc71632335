package general

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/quarryhq/quarry/action"
	"github.com/quarryhq/quarry/datastore/memdb"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
)

func newTestDeps(t *testing.T) (*flow.Deps, *memdb.Store) {
	t.Helper()
	store := memdb.New()
	return &flow.Deps{Store: store, Queues: queue.NewManager(store, nil)}, store
}

func respond(ctx context.Context, t *testing.T, qm *queue.Manager, sid types.SessionID, requestID uint64, status *types.Status, payloads ...types.Document) {
	t.Helper()
	responseID := uint64(0)
	for _, payload := range payloads {
		responseID++
		err := qm.StoreResponse(ctx, &types.Message{
			SessionID:  sid,
			RequestID:  requestID,
			ResponseID: responseID,
			Type:       types.MessageTypeMessage,
			Payload:    payload,
		})
		if err != nil {
			t.Fatalf("StoreResponse() error = %v", err)
		}
	}
	msg, err := types.NewStatusMessage(sid, requestID, responseID+1, status)
	if err != nil {
		t.Fatalf("NewStatusMessage() error = %v", err)
	}
	if err := qm.StoreResponse(ctx, msg); err != nil {
		t.Fatalf("StoreResponse(status) error = %v", err)
	}
}

func okStatus() *types.Status {
	return &types.Status{Code: types.StatusOK}
}

func TestInterrogateWritesClientAttributes(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)

	clientID := types.ClientID("C.1111222233334444")
	sid, err := flow.StartFlow(ctx, deps, flow.StartArgs{
		FlowName: "Interrogate",
		ClientID: clientID,
		Creator:  "alice",
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	tasks, err := deps.Queues.QueryAndOwn(ctx, clientID, time.Minute, 0)
	if err != nil {
		t.Fatalf("QueryAndOwn() error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].Name != "Interrogate" {
		t.Fatalf("tasks = %+v, want one Interrogate request", tasks)
	}

	info := action.ClientInformation{
		System:    "Linux",
		Release:   "5.15",
		Version:   "5.15.0-130",
		Arch:      "x86_64",
		Hostname:  "db-host-7",
		Usernames: []string{"root", "alice"},
		Labels:    []string{"prod", "database"},
	}
	respond(ctx, t, deps.Queues, sid, 1, okStatus(),
		types.MustDocument("ClientInformation", info))

	fctx, err := flow.ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if fctx.State != flow.StateTerminated {
		t.Fatalf("state = %s, want TERMINATED", fctx.State)
	}

	wantAttrs := map[string]string{
		types.ClientOSPredicate:          "Linux",
		types.ClientHostnamePredicate:    "db-host-7",
		types.ClientReleasePredicate:     "5.15",
		types.ClientOSVersionPredicate:   "5.15.0-130",
		types.ClientArchPredicate:        "x86_64",
		types.ClientUsernamesPredicate:   "root alice",
		types.ClientLabelPrefix + "prod": "prod",
	}
	for predicate, want := range wantAttrs {
		rec, err := store.Resolve(ctx, clientID.Subject(), predicate)
		if err != nil {
			t.Errorf("Resolve(%s) error = %v", predicate, err)
			continue
		}
		if string(rec.Value) != want {
			t.Errorf("%s = %q, want %q", predicate, rec.Value, want)
		}
	}

	results, err := flow.Results(ctx, store, sid, 0, 0)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if len(results) != 1 {
		t.Errorf("results = %d, want the client information replied", len(results))
	}
}

func TestListDirectoryRepliesEntries(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)

	clientID := types.ClientID("C.1111222233334444")
	sid, err := flow.StartFlow(ctx, deps, flow.StartArgs{
		FlowName: "ListDirectory",
		ClientID: clientID,
		Args:     types.MustDocument("ListDirectoryArgs", action.ListDirectoryArgs{Path: "/etc"}),
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	respond(ctx, t, deps.Queues, sid, 1, okStatus(),
		types.MustDocument("StatEntry", action.StatEntry{Path: "/etc/passwd", Size: 1320}),
		types.MustDocument("StatEntry", action.StatEntry{Path: "/etc/hosts", Size: 220}),
	)
	fctx, err := flow.ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if fctx.State != flow.StateTerminated {
		t.Fatalf("state = %s, want TERMINATED", fctx.State)
	}

	results, err := flow.Results(ctx, store, sid, 0, 0)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 stat entries", len(results))
	}
	var entry action.StatEntry
	if err := results[0].DecodeAs("StatEntry", &entry); err != nil {
		t.Fatalf("DecodeAs() error = %v", err)
	}
	if entry.Path != "/etc/passwd" {
		t.Errorf("first entry = %q, want /etc/passwd", entry.Path)
	}
}

func TestGetFileTransfersChunks(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)

	content := []byte("abcdefghij")
	clientID := types.ClientID("C.1111222233334444")
	sid, err := flow.StartFlow(ctx, deps, flow.StartArgs{
		FlowName: "GetFile",
		ClientID: clientID,
		Args:     types.MustDocument("GetFileArgs", GetFileArgs{Path: "/bin/ls", ChunkSize: 4}),
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	tasks, err := deps.Queues.QueryAndOwn(ctx, clientID, time.Minute, 0)
	if err != nil {
		t.Fatalf("QueryAndOwn() error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].Name != "StatFile" {
		t.Fatalf("tasks = %+v, want one StatFile request", tasks)
	}

	stat := action.StatEntry{Path: "/bin/ls", Size: uint64(len(content))}
	respond(ctx, t, deps.Queues, sid, 1, okStatus(), types.MustDocument("StatEntry", stat))
	if _, err := flow.ProcessSession(ctx, deps, sid); err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}

	// Three chunk requests for ten bytes at chunk size four.
	tasks, err = deps.Queues.QueryAndOwn(ctx, clientID, time.Minute, 0)
	if err != nil {
		t.Fatalf("QueryAndOwn() error = %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("len(tasks) = %d, want 3 chunk requests", len(tasks))
	}
	for i, task := range tasks {
		var args action.TransferBufferArgs
		if err := task.Payload.DecodeAs("TransferBufferArgs", &args); err != nil {
			t.Fatalf("DecodeAs() error = %v", err)
		}
		if want := uint64(i * 4); args.Offset != want || args.Length != 4 {
			t.Errorf("chunk %d = offset %d length %d, want offset %d length 4",
				i, args.Offset, args.Length, want)
		}
		end := int(args.Offset) + 4
		if end > len(content) {
			end = len(content)
		}
		respond(ctx, t, deps.Queues, sid, task.RequestID, okStatus(),
			types.MustDocument("BufferReference", action.BufferReference{
				Path:   args.Path,
				Offset: args.Offset,
				Length: uint64(end - int(args.Offset)),
				Data:   content[args.Offset:end],
			}))
	}

	fctx, err := flow.ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if fctx.State != flow.StateTerminated {
		t.Fatalf("state = %s, want TERMINATED", fctx.State)
	}

	blobs, err := Blobs(ctx, store, sid, 0, 0)
	if err != nil {
		t.Fatalf("Blobs() error = %v", err)
	}
	if len(blobs) != 3 {
		t.Fatalf("blobs = %d, want 3 chunks", len(blobs))
	}
	var assembled []byte
	for _, doc := range blobs {
		var ref action.BufferReference
		if err := doc.DecodeAs("BufferReference", &ref); err != nil {
			t.Fatalf("DecodeAs() error = %v", err)
		}
		if uint64(len(assembled)) != ref.Offset {
			t.Fatalf("chunk at offset %d out of order after %d bytes", ref.Offset, len(assembled))
		}
		assembled = append(assembled, ref.Data...)
	}
	if !bytes.Equal(assembled, content) {
		t.Errorf("assembled = %q, want %q", assembled, content)
	}

	results, err := flow.Results(ctx, store, sid, 0, 0)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want the final stat entry", len(results))
	}
	var replied action.StatEntry
	if err := results[0].DecodeAs("StatEntry", &replied); err != nil {
		t.Fatalf("DecodeAs() error = %v", err)
	}
	if replied.Size != uint64(len(content)) {
		t.Errorf("replied size = %d, want %d", replied.Size, len(content))
	}
}

func TestGetFileRefusesDirectory(t *testing.T) {
	ctx := context.Background()
	deps, _ := newTestDeps(t)

	clientID := types.ClientID("C.1111222233334444")
	sid, err := flow.StartFlow(ctx, deps, flow.StartArgs{
		FlowName: "GetFile",
		ClientID: clientID,
		Args:     types.MustDocument("GetFileArgs", GetFileArgs{Path: "/etc"}),
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	respond(ctx, t, deps.Queues, sid, 1, okStatus(),
		types.MustDocument("StatEntry", action.StatEntry{Path: "/etc", IsDir: true}))
	fctx, err := flow.ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if fctx.State != flow.StateError {
		t.Fatalf("state = %s, want ERROR", fctx.State)
	}
	if !strings.Contains(fctx.ErrorMessage, "is a directory") {
		t.Errorf("error message = %q, want it to name the directory problem", fctx.ErrorMessage)
	}
}

func TestGetFileEmptyFile(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)

	clientID := types.ClientID("C.1111222233334444")
	sid, err := flow.StartFlow(ctx, deps, flow.StartArgs{
		FlowName: "GetFile",
		ClientID: clientID,
		Args:     types.MustDocument("GetFileArgs", GetFileArgs{Path: "/tmp/empty"}),
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	respond(ctx, t, deps.Queues, sid, 1, okStatus(),
		types.MustDocument("StatEntry", action.StatEntry{Path: "/tmp/empty", Size: 0}))
	fctx, err := flow.ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if fctx.State != flow.StateTerminated {
		t.Fatalf("state = %s, want TERMINATED without chunk requests", fctx.State)
	}

	blobs, err := Blobs(ctx, store, sid, 0, 0)
	if err != nil {
		t.Fatalf("Blobs() error = %v", err)
	}
	if len(blobs) != 0 {
		t.Errorf("blobs = %d, want none for an empty file", len(blobs))
	}
	results, err := flow.Results(ctx, store, sid, 0, 0)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if len(results) != 1 {
		t.Errorf("results = %d, want the stat entry replied", len(results))
	}
}

func TestEchoReplies(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)

	clientID := types.ClientID("C.1111222233334444")
	sid, err := flow.StartFlow(ctx, deps, flow.StartArgs{
		FlowName: "Echo",
		ClientID: clientID,
		Args:     types.MustDocument("EchoArgs", action.EchoArgs{Data: "ping"}),
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	respond(ctx, t, deps.Queues, sid, 1, okStatus(),
		types.MustDocument("EchoResult", action.EchoResult{Data: "ping"}))
	fctx, err := flow.ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if fctx.State != flow.StateTerminated {
		t.Fatalf("state = %s, want TERMINATED", fctx.State)
	}

	results, err := flow.Results(ctx, store, sid, 0, 0)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if len(results) != 1 {
		t.Errorf("results = %d, want 1", len(results))
	}
}

func TestEchoMismatchFails(t *testing.T) {
	ctx := context.Background()
	deps, _ := newTestDeps(t)

	clientID := types.ClientID("C.1111222233334444")
	sid, err := flow.StartFlow(ctx, deps, flow.StartArgs{
		FlowName: "Echo",
		ClientID: clientID,
		Args:     types.MustDocument("EchoArgs", action.EchoArgs{Data: "ping"}),
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	respond(ctx, t, deps.Queues, sid, 1, okStatus(),
		types.MustDocument("EchoResult", action.EchoResult{Data: "pong"}))
	fctx, err := flow.ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if fctx.State != flow.StateError {
		t.Fatalf("state = %s, want ERROR", fctx.State)
	}
	if !strings.Contains(fctx.ErrorMessage, "echo reply mismatch") {
		t.Errorf("error message = %q, want the mismatch reported", fctx.ErrorMessage)
	}
}

func TestEnrolmentCreatesClient(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)

	clientID := types.ClientID("C.0123456789abcdef")
	msg := &types.Message{
		SessionID: EnrolmentSessionID,
		Type:      types.MessageTypeMessage,
		Payload: types.MustDocument(EnrolmentRequestTypeName, EnrolmentRequest{
			ClientID:      clientID,
			CommsKey:      "secret-one",
			ClientVersion: 3100,
		}),
	}
	if err := flow.DeliverWellKnown(ctx, deps, msg); err != nil {
		t.Fatalf("DeliverWellKnown() error = %v", err)
	}

	rec, err := store.Resolve(ctx, clientID.Subject(), types.ClientCommsKeyPredicate)
	if err != nil {
		t.Fatalf("Resolve(comms key) error = %v", err)
	}
	if string(rec.Value) != "secret-one" {
		t.Errorf("comms key = %q, want %q", rec.Value, "secret-one")
	}
	if _, err := store.Resolve(ctx, clientID.Subject(), types.ClientFirstSeenPredicate); err != nil {
		t.Errorf("Resolve(first seen) error = %v", err)
	}

	flows, err := flow.ListFlows(ctx, store, clientID, 0)
	if err != nil {
		t.Fatalf("ListFlows() error = %v", err)
	}
	if len(flows) != 1 || flows[0].Name != "Interrogate" {
		t.Fatalf("flows = %+v, want one Interrogate started by enrolment", flows)
	}

	// Re-enrolment neither rotates the key nor starts another flow.
	msg.Payload = types.MustDocument(EnrolmentRequestTypeName, EnrolmentRequest{
		ClientID: clientID,
		CommsKey: "secret-two",
	})
	if err := flow.DeliverWellKnown(ctx, deps, msg); err != nil {
		t.Fatalf("DeliverWellKnown(duplicate) error = %v", err)
	}
	rec, err = store.Resolve(ctx, clientID.Subject(), types.ClientCommsKeyPredicate)
	if err != nil {
		t.Fatalf("Resolve(comms key) error = %v", err)
	}
	if string(rec.Value) != "secret-one" {
		t.Errorf("comms key after duplicate = %q, want the first key kept", rec.Value)
	}
	flows, err = flow.ListFlows(ctx, store, clientID, 0)
	if err != nil {
		t.Fatalf("ListFlows() error = %v", err)
	}
	if len(flows) != 1 {
		t.Errorf("flows after duplicate = %d, want still 1", len(flows))
	}
}

func TestEnrolmentRejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	deps, _ := newTestDeps(t)

	badID := &types.Message{
		SessionID: EnrolmentSessionID,
		Payload: types.MustDocument(EnrolmentRequestTypeName, EnrolmentRequest{
			ClientID: "not-a-client",
			CommsKey: "secret",
		}),
	}
	if err := flow.DeliverWellKnown(ctx, deps, badID); err == nil {
		t.Error("DeliverWellKnown(bad id) error = nil, want a rejection")
	}

	noKey := &types.Message{
		SessionID: EnrolmentSessionID,
		Payload: types.MustDocument(EnrolmentRequestTypeName, EnrolmentRequest{
			ClientID: types.ClientID("C.0123456789abcdef"),
		}),
	}
	if err := flow.DeliverWellKnown(ctx, deps, noKey); err == nil {
		t.Error("DeliverWellKnown(no key) error = nil, want a rejection")
	}
}
