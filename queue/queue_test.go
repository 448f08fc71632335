package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/datastore/memdb"
	"github.com/quarryhq/quarry/types"
)

func newTestManager(t *testing.T) (*Manager, *memdb.Store) {
	t.Helper()
	store := memdb.New()
	return NewManager(store, nil), store
}

func TestNotifyAndClaim(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	store.Freeze(1_000_000)

	sid := types.SessionID("W:0123456789ab")
	if err := m.NotifySession(ctx, sid, 0); err != nil {
		t.Fatalf("NotifySession() error = %v", err)
	}

	subject := types.QueueSubject("W")
	claimed, err := m.ClaimNotifications(ctx, subject, 10*time.Second, 0, nil)
	if err != nil {
		t.Fatalf("ClaimNotifications() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].SessionID != sid {
		t.Fatalf("claimed = %+v, want one notification for %s", claimed, sid)
	}
	if claimed[0].Token != 11_000_000 {
		t.Errorf("claim token = %d, want frozen now + lease = 11000000", claimed[0].Token)
	}

	// Still leased: nothing to claim.
	again, err := m.ClaimNotifications(ctx, subject, 10*time.Second, 0, nil)
	if err != nil {
		t.Fatalf("ClaimNotifications() error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim = %+v, want none while leased", again)
	}

	// Lease expired: claimable again.
	store.Freeze(claimed[0].Token + 1)
	expired, err := m.ClaimNotifications(ctx, subject, 10*time.Second, 0, nil)
	if err != nil {
		t.Fatalf("ClaimNotifications() error = %v", err)
	}
	if len(expired) != 1 {
		t.Errorf("claim after lease expiry = %+v, want one", expired)
	}
}

func TestClaimHonorsEligibleAfter(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	store.Freeze(1_000_000)

	sid := types.SessionID("H:0123456789ab")
	if err := m.NotifySession(ctx, sid, 2_000_000); err != nil {
		t.Fatalf("NotifySession() error = %v", err)
	}

	subject := types.QueueSubject("H")
	claimed, err := m.ClaimNotifications(ctx, subject, time.Second, 0, nil)
	if err != nil {
		t.Fatalf("ClaimNotifications() error = %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed %+v before eligibility", claimed)
	}

	store.Freeze(2_000_001)
	claimed, err = m.ClaimNotifications(ctx, subject, time.Second, 0, nil)
	if err != nil {
		t.Fatalf("ClaimNotifications() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Errorf("claim after eligibility = %+v, want one", claimed)
	}
}

func TestClaimFilterAndLimit(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	store.Freeze(1_000_000)

	sids := []types.SessionID{"W:000000000001", "W:000000000002", "W:000000000003"}
	for _, sid := range sids {
		if err := m.NotifySession(ctx, sid, 0); err != nil {
			t.Fatalf("NotifySession() error = %v", err)
		}
	}

	subject := types.QueueSubject("W")
	claimed, err := m.ClaimNotifications(ctx, subject, time.Second, 2, func(n Notification) bool {
		return n.SessionID != "W:000000000002"
	})
	if err != nil {
		t.Fatalf("ClaimNotifications() error = %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d notifications, want 2", len(claimed))
	}
	for _, c := range claimed {
		if c.SessionID == "W:000000000002" {
			t.Errorf("filter did not exclude W:000000000002")
		}
	}
}

func TestRefreshClaim(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	store.Freeze(1_000_000)

	sid := types.SessionID("W:0123456789ab")
	m.NotifySession(ctx, sid, 0)

	subject := types.QueueSubject("W")
	claimed, err := m.ClaimNotifications(ctx, subject, time.Second, 0, nil)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimNotifications() = %v, %v", claimed, err)
	}

	store.Freeze(1_500_000)
	newToken, err := m.RefreshClaim(ctx, subject, sid, claimed[0].Token, time.Second)
	if err != nil {
		t.Fatalf("RefreshClaim() error = %v", err)
	}
	if newToken <= claimed[0].Token {
		t.Errorf("refreshed token %d not after original %d", newToken, claimed[0].Token)
	}

	if _, err := m.RefreshClaim(ctx, subject, sid, claimed[0].Token, time.Second); !errors.Is(err, ErrClaimLost) {
		t.Errorf("RefreshClaim(stale token) error = %v, want ErrClaimLost", err)
	}

	// Re-notify replaces the record and invalidates the claim.
	if err := m.NotifySession(ctx, sid, 0); err != nil {
		t.Fatalf("NotifySession() error = %v", err)
	}
	if _, err := m.RefreshClaim(ctx, subject, sid, newToken, time.Second); !errors.Is(err, ErrClaimLost) {
		t.Errorf("RefreshClaim(after re-notify) error = %v, want ErrClaimLost", err)
	}
}

func TestDeleteNotificationKeepsNewerWork(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	store.Freeze(1_000_000)

	sid := types.SessionID("W:0123456789ab")
	m.NotifySession(ctx, sid, 0)

	subject := types.QueueSubject("W")
	claimed, err := m.ClaimNotifications(ctx, subject, time.Minute, 0, nil)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimNotifications() = %v, %v", claimed, err)
	}
	queuedAt := claimed[0].QueuedAt

	// New work arrives while the old notification is being processed.
	store.Freeze(2_000_000)
	if err := m.NotifySession(ctx, sid, 0); err != nil {
		t.Fatalf("NotifySession() error = %v", err)
	}

	if err := m.DeleteNotification(ctx, subject, sid, queuedAt); err != nil {
		t.Fatalf("DeleteNotification() error = %v", err)
	}

	remaining, err := m.ListNotifications(ctx, subject)
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("notifications after delete = %+v, want the newer one to survive", remaining)
	}

	// Deleting up to the new timestamp removes it.
	if err := m.DeleteNotification(ctx, subject, sid, remaining[0].QueuedAt); err != nil {
		t.Fatalf("DeleteNotification() error = %v", err)
	}
	remaining, _ = m.ListNotifications(ctx, subject)
	if len(remaining) != 0 {
		t.Errorf("notifications = %+v, want none", remaining)
	}
}

func TestScheduleAndQueryAndOwn(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	store.Freeze(1_000_000)

	cid := types.ClientID("C.1122334455667788")
	msgs := []*types.Message{
		{SessionID: "W:000000000001", RequestID: 1, Name: "ListDirectory", Priority: types.PriorityLow},
		{SessionID: "W:000000000002", RequestID: 1, Name: "GetFile", Priority: types.PriorityHigh},
	}
	if err := m.ScheduleTasks(ctx, cid, msgs); err != nil {
		t.Fatalf("ScheduleTasks() error = %v", err)
	}
	if msgs[0].TaskID == 0 || msgs[1].TaskID == 0 {
		t.Fatal("ScheduleTasks() did not assign task ids")
	}

	leased, err := m.QueryAndOwn(ctx, cid, time.Minute, 10)
	if err != nil {
		t.Fatalf("QueryAndOwn() error = %v", err)
	}
	if len(leased) != 2 {
		t.Fatalf("leased %d tasks, want 2", len(leased))
	}
	if leased[0].Name != "GetFile" {
		t.Errorf("first leased task = %s, want high-priority GetFile", leased[0].Name)
	}
	if leased[0].TTL != DefaultTaskTTL-1 {
		t.Errorf("TTL after lease = %d, want %d", leased[0].TTL, DefaultTaskTTL-1)
	}

	// Second poll within the lease sees nothing.
	again, err := m.QueryAndOwn(ctx, cid, time.Minute, 10)
	if err != nil {
		t.Fatalf("QueryAndOwn() error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second QueryAndOwn = %d tasks, want 0 while leased", len(again))
	}

	n, err := m.TaskQueueLength(ctx, cid)
	if err != nil {
		t.Fatalf("TaskQueueLength() error = %v", err)
	}
	if n != 2 {
		t.Errorf("TaskQueueLength() = %d, want 2", n)
	}
}

func TestQueryAndOwnDropsExhaustedTasks(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	store.Freeze(1_000_000)

	cid := types.ClientID("C.1122334455667788")
	msg := &types.Message{SessionID: "W:000000000001", RequestID: 1, Name: "Echo", TTL: 2}
	if err := m.ScheduleTasks(ctx, cid, []*types.Message{msg}); err != nil {
		t.Fatalf("ScheduleTasks() error = %v", err)
	}

	leased, err := m.QueryAndOwn(ctx, cid, time.Second, 10)
	if err != nil || len(leased) != 1 {
		t.Fatalf("QueryAndOwn() = %v, %v", leased, err)
	}
	if leased[0].TTL != 1 {
		t.Errorf("TTL = %d, want 1", leased[0].TTL)
	}

	store.Freeze(3_000_000)
	leased, err = m.QueryAndOwn(ctx, cid, time.Second, 10)
	if err != nil {
		t.Fatalf("QueryAndOwn() error = %v", err)
	}
	if len(leased) != 0 {
		t.Errorf("exhausted task leased again: %+v", leased)
	}
	n, _ := m.TaskQueueLength(ctx, cid)
	if n != 0 {
		t.Errorf("TaskQueueLength() = %d, want 0 after drop", n)
	}
}

func TestDeleteTasks(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	store.Freeze(1_000_000)

	cid := types.ClientID("C.1122334455667788")
	msgs := []*types.Message{
		{SessionID: "W:000000000001", RequestID: 1, Name: "A"},
		{SessionID: "W:000000000001", RequestID: 2, Name: "B"},
	}
	m.ScheduleTasks(ctx, cid, msgs)

	if err := m.DeleteTasks(ctx, cid, []uint64{msgs[0].TaskID}); err != nil {
		t.Fatalf("DeleteTasks() error = %v", err)
	}
	leased, err := m.QueryAndOwn(ctx, cid, time.Minute, 10)
	if err != nil {
		t.Fatalf("QueryAndOwn() error = %v", err)
	}
	if len(leased) != 1 || leased[0].Name != "B" {
		t.Errorf("remaining tasks = %+v, want only B", leased)
	}
}

func storeResponse(t *testing.T, m *Manager, sid types.SessionID, requestID, responseID uint64, name string) {
	t.Helper()
	msg := &types.Message{
		SessionID:  sid,
		RequestID:  requestID,
		ResponseID: responseID,
		Name:       name,
		Type:       types.MessageTypeMessage,
	}
	if err := m.StoreResponse(context.Background(), msg); err != nil {
		t.Fatalf("StoreResponse() error = %v", err)
	}
}

func storeStatus(t *testing.T, m *Manager, sid types.SessionID, requestID, responseID uint64) {
	t.Helper()
	msg, err := types.NewStatusMessage(sid, requestID, responseID, &types.Status{Code: types.StatusOK})
	if err != nil {
		t.Fatalf("NewStatusMessage() error = %v", err)
	}
	if err := m.StoreResponse(context.Background(), msg); err != nil {
		t.Fatalf("StoreResponse() error = %v", err)
	}
}

func writeRequest(t *testing.T, m *Manager, store datastore.DataStore, req *types.RequestState) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Transaction(ctx, req.SessionID.Subject())
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	if err := m.WriteRequest(tx, req); err != nil {
		t.Fatalf("WriteRequest() error = %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func TestRequestCompletion(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	sid := types.SessionID("W:0123456789ab")

	writeRequest(t, m, store, &types.RequestState{ID: 1, SessionID: sid, NextState: "Done"})

	completed, err := m.CompletedRequests(ctx, sid, 0)
	if err != nil {
		t.Fatalf("CompletedRequests() error = %v", err)
	}
	if len(completed) != 0 {
		t.Errorf("completed = %+v before any responses", completed)
	}

	// Two regular responses and a status with response id 3.
	storeResponse(t, m, sid, 1, 1, "r1")
	storeStatus(t, m, sid, 1, 3)

	completed, err = m.CompletedRequests(ctx, sid, 0)
	if err != nil {
		t.Fatalf("CompletedRequests() error = %v", err)
	}
	if len(completed) != 0 {
		t.Errorf("completed with a response gap = %+v, want none", completed)
	}

	storeResponse(t, m, sid, 1, 2, "r2")
	completed, err = m.CompletedRequests(ctx, sid, 0)
	if err != nil {
		t.Fatalf("CompletedRequests() error = %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("completed = %+v, want request 1", completed)
	}
	if completed[0].ResponseCount != 2 {
		t.Errorf("ResponseCount = %d, want 2", completed[0].ResponseCount)
	}
	if completed[0].Status == nil || !completed[0].Status.OK() {
		t.Errorf("Status = %+v, want OK", completed[0].Status)
	}
}

func TestDuplicateResponsesAreIdempotent(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	sid := types.SessionID("W:0123456789ab")

	writeRequest(t, m, store, &types.RequestState{ID: 1, SessionID: sid, NextState: "Done"})

	storeResponse(t, m, sid, 1, 1, "r1")
	storeResponse(t, m, sid, 1, 1, "r1 again")
	storeStatus(t, m, sid, 1, 2)
	storeStatus(t, m, sid, 1, 2)

	responses, err := m.FetchResponses(ctx, sid, 1)
	if err != nil {
		t.Fatalf("FetchResponses() error = %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("responses = %d, want 2 (duplicates overwrite)", len(responses))
	}
	if responses[0].Name != "r1 again" {
		t.Errorf("duplicate did not overwrite: %s", responses[0].Name)
	}

	completed, err := m.CompletedRequests(ctx, sid, 0)
	if err != nil {
		t.Fatalf("CompletedRequests() error = %v", err)
	}
	if len(completed) != 1 {
		t.Errorf("completed = %+v, want one", completed)
	}
}

func TestFetchResponsesOrder(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	sid := types.SessionID("W:0123456789ab")

	storeResponse(t, m, sid, 1, 2, "second")
	storeResponse(t, m, sid, 1, 1, "first")
	storeStatus(t, m, sid, 1, 3)

	responses, err := m.FetchResponses(ctx, sid, 1)
	if err != nil {
		t.Fatalf("FetchResponses() error = %v", err)
	}
	if len(responses) != 3 {
		t.Fatalf("responses = %d, want 3", len(responses))
	}
	if responses[0].Name != "first" || responses[1].Name != "second" || !responses[2].IsStatus() {
		t.Errorf("order wrong: %s, %s, %s", responses[0].Name, responses[1].Name, responses[2].Type)
	}
}

func TestDeleteRequest(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	sid := types.SessionID("W:0123456789ab")

	writeRequest(t, m, store, &types.RequestState{ID: 1, SessionID: sid, NextState: "Done"})
	storeResponse(t, m, sid, 1, 1, "r1")
	storeStatus(t, m, sid, 1, 2)

	tx, err := store.Transaction(ctx, sid.Subject())
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	if err := m.DeleteRequest(ctx, tx, 1); err != nil {
		t.Fatalf("DeleteRequest() error = %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	table, err := m.Requests(ctx, sid)
	if err != nil {
		t.Fatalf("Requests() error = %v", err)
	}
	if len(table) != 0 {
		t.Errorf("requests after delete = %+v, want none", table)
	}
	responses, _ := m.FetchResponses(ctx, sid, 1)
	if len(responses) != 0 {
		t.Errorf("responses after delete = %+v, want none", responses)
	}
}

func TestResendRequestBudget(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	sid := types.SessionID("W:0123456789ab")
	cid := types.ClientID("C.1122334455667788")

	outbound := &types.Message{
		SessionID: sid,
		RequestID: 1,
		Name:      "ListDirectory",
		TaskID:    NewTaskID(),
	}
	req := &types.RequestState{
		ID:        1,
		SessionID: sid,
		ClientID:  cid,
		NextState: "Done",
		Request:   outbound,
	}
	writeRequest(t, m, store, req)

	for i := 1; i < MaxTransmissionCount; i++ {
		resent, err := m.ResendRequest(ctx, req)
		if err != nil {
			t.Fatalf("ResendRequest() #%d error = %v", i, err)
		}
		if !resent {
			t.Fatalf("ResendRequest() #%d = false, want true within budget", i)
		}
	}

	resent, err := m.ResendRequest(ctx, req)
	if err != nil {
		t.Fatalf("ResendRequest() error = %v", err)
	}
	if resent {
		t.Fatal("ResendRequest() = true past the budget")
	}

	// The fabricated error status completes the request.
	completed, err := m.CompletedRequests(ctx, sid, 0)
	if err != nil {
		t.Fatalf("CompletedRequests() error = %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("completed = %+v, want the failed request", completed)
	}
	if completed[0].Status == nil || completed[0].Status.Code != types.StatusGenericError {
		t.Errorf("Status = %+v, want GENERIC_ERROR", completed[0].Status)
	}
}
