package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/types"
)

// Request/response table layout on the session subject. Fixed-width hex
// ids make predicate order equal id order.
const (
	requestPredicatePrefix  = "flow:request:"
	responsePredicatePrefix = "flow:response:"
	statusPredicatePrefix   = "flow:status:"

	// MaxTransmissionCount bounds how often one request is re-sent to a
	// client before the server closes it with a generic error.
	MaxTransmissionCount = 5
)

// RequestPredicate names the request state row for a request id.
func RequestPredicate(requestID uint64) string {
	return fmt.Sprintf("%s%08x", requestPredicatePrefix, requestID)
}

// ResponsePredicate names one response row.
func ResponsePredicate(requestID, responseID uint64) string {
	return fmt.Sprintf("%s%08x:%08x", responsePredicatePrefix, requestID, responseID)
}

// StatusPredicate names the status row for a request id.
func StatusPredicate(requestID uint64) string {
	return fmt.Sprintf("%s%08x", statusPredicatePrefix, requestID)
}

func responseRequestPrefix(requestID uint64) string {
	return fmt.Sprintf("%s%08x:", responsePredicatePrefix, requestID)
}

// TableRequest is a request state row joined with the response table:
// what arrived so far and whether the request is complete.
type TableRequest struct {
	*types.RequestState

	// Complete means the status arrived and response ids 1 through the
	// status's response id are all present, the status being the last.
	Complete bool
}

// WriteRequest persists a request state row inside a session
// transaction, so the request becomes visible atomically with the flow
// state that issued it.
func (m *Manager) WriteRequest(tx datastore.Tx, req *types.RequestState) error {
	buf, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request state: %w", err)
	}
	tx.Set(RequestPredicate(req.ID), buf, 0, true)
	return nil
}

// StoreResponse writes an inbound response into the session's response
// table. A STATUS message is additionally indexed under its own
// predicate so completeness checks need no decoding pass over regular
// responses. Duplicate deliveries overwrite the same row, which keeps
// storage idempotent.
func (m *Manager) StoreResponse(ctx context.Context, msg *types.Message) error {
	if msg.RequestID == 0 {
		return fmt.Errorf("response for session %s carries request id 0", msg.SessionID)
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	values := map[string][]datastore.VersionedValue{
		ResponsePredicate(msg.RequestID, msg.ResponseID): {{Value: buf}},
	}
	if msg.IsStatus() {
		values[StatusPredicate(msg.RequestID)] = []datastore.VersionedValue{{Value: buf}}
	}

	if err := m.ds.MultiSet(ctx, msg.SessionID.Subject(), values, nil, true); err != nil {
		return fmt.Errorf("failed to store response: %w", err)
	}
	responsesStored.Inc()
	return nil
}

// readRequestTable joins the session's request rows with response
// arrival state. Requests come back in id order.
func (m *Manager) readRequestTable(ctx context.Context, sessionID types.SessionID) ([]TableRequest, error) {
	subject := sessionID.Subject()
	recs, err := m.ds.MultiResolvePrefix(ctx, []string{subject},
		[]string{requestPredicatePrefix, responsePredicatePrefix, statusPredicatePrefix},
		datastore.Newest())
	if err != nil {
		return nil, fmt.Errorf("failed to read request table: %w", err)
	}

	responseIDs := make(map[uint64]map[uint64]bool)
	statuses := make(map[uint64]*types.Status)
	statusRespIDs := make(map[uint64]uint64)
	var requests []*types.RequestState

	for _, rec := range recs[subject] {
		switch {
		case strings.HasPrefix(rec.Predicate, responsePredicatePrefix):
			parts := strings.Split(strings.TrimPrefix(rec.Predicate, responsePredicatePrefix), ":")
			if len(parts) != 2 {
				continue
			}
			rid, err1 := strconv.ParseUint(parts[0], 16, 64)
			respID, err2 := strconv.ParseUint(parts[1], 16, 64)
			if err1 != nil || err2 != nil {
				continue
			}
			if responseIDs[rid] == nil {
				responseIDs[rid] = make(map[uint64]bool)
			}
			responseIDs[rid][respID] = true
		case strings.HasPrefix(rec.Predicate, statusPredicatePrefix):
			rid, err := strconv.ParseUint(strings.TrimPrefix(rec.Predicate, statusPredicatePrefix), 16, 64)
			if err != nil {
				continue
			}
			var msg types.Message
			if err := json.Unmarshal(rec.Value, &msg); err != nil {
				continue
			}
			status, err := msg.ExtractStatus()
			if err != nil {
				m.logger.Warn("undecodable status message",
					"session_id", sessionID,
					"request_id", rid,
					"error", err,
				)
				continue
			}
			statuses[rid] = status
			statusRespIDs[rid] = msg.ResponseID
		case strings.HasPrefix(rec.Predicate, requestPredicatePrefix):
			var req types.RequestState
			if err := json.Unmarshal(rec.Value, &req); err != nil {
				m.logger.Warn("undecodable request state",
					"session_id", sessionID,
					"predicate", rec.Predicate,
					"error", err,
				)
				continue
			}
			requests = append(requests, &req)
		}
	}

	out := make([]TableRequest, 0, len(requests))
	for _, req := range requests {
		got := responseIDs[req.ID]
		tr := TableRequest{RequestState: req}

		if status, ok := statuses[req.ID]; ok {
			req.Status = status
			statusRespID := statusRespIDs[req.ID]
			req.ResponseCount = len(got) - 1

			if uint64(len(got)) == statusRespID {
				tr.Complete = true
				for id := uint64(1); id <= statusRespID; id++ {
					if !got[id] {
						tr.Complete = false
						break
					}
				}
			}
		} else {
			req.ResponseCount = len(got)
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Requests returns every outstanding request of the session in id
// order, joined with arrival state.
func (m *Manager) Requests(ctx context.Context, sessionID types.SessionID) ([]TableRequest, error) {
	return m.readRequestTable(ctx, sessionID)
}

// CompletedRequests returns, in id order, the requests whose response
// tables are complete. Zero limit means no limit.
func (m *Manager) CompletedRequests(ctx context.Context, sessionID types.SessionID, limit int) ([]*types.RequestState, error) {
	table, err := m.readRequestTable(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var completed []*types.RequestState
	for _, tr := range table {
		if !tr.Complete {
			continue
		}
		completed = append(completed, tr.RequestState)
		if limit > 0 && len(completed) >= limit {
			break
		}
	}
	return completed, nil
}

// FetchResponses returns a request's responses in response-id order,
// the closing STATUS last.
func (m *Manager) FetchResponses(ctx context.Context, sessionID types.SessionID, requestID uint64) ([]*types.Message, error) {
	recs, err := m.ds.ResolvePrefix(ctx, sessionID.Subject(), responseRequestPrefix(requestID), datastore.Newest())
	if err != nil {
		return nil, fmt.Errorf("failed to read responses: %w", err)
	}

	out := make([]*types.Message, 0, len(recs))
	for _, rec := range recs {
		var msg types.Message
		if err := json.Unmarshal(rec.Value, &msg); err != nil {
			m.logger.Warn("undecodable response",
				"session_id", sessionID,
				"predicate", rec.Predicate,
				"error", err,
			)
			continue
		}
		out = append(out, &msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResponseID < out[j].ResponseID })
	return out, nil
}

// DeleteRequest buffers removal of a processed request and its response
// rows into the session transaction.
func (m *Manager) DeleteRequest(ctx context.Context, tx datastore.Tx, requestID uint64) error {
	recs, err := tx.ResolvePrefix(ctx, responseRequestPrefix(requestID), datastore.Newest())
	if err != nil {
		return fmt.Errorf("failed to enumerate responses: %w", err)
	}
	for _, rec := range recs {
		tx.DeleteAttributes(rec.Predicate)
	}
	tx.DeleteAttributes(RequestPredicate(requestID), StatusPredicate(requestID))
	return nil
}

// DeleteAllRequests clears the session's whole request table. Used when
// a flow reaches a terminal state.
func (m *Manager) DeleteAllRequests(ctx context.Context, sessionID types.SessionID) error {
	subject := sessionID.Subject()
	recs, err := m.ds.MultiResolvePrefix(ctx, []string{subject},
		[]string{requestPredicatePrefix, responsePredicatePrefix, statusPredicatePrefix},
		datastore.Newest())
	if err != nil {
		return fmt.Errorf("failed to enumerate request table: %w", err)
	}
	preds := make([]string, 0, len(recs[subject]))
	for _, rec := range recs[subject] {
		preds = append(preds, rec.Predicate)
	}
	if len(preds) == 0 {
		return nil
	}
	if err := m.ds.DeleteAttributes(ctx, subject, preds); err != nil {
		return fmt.Errorf("failed to delete request table: %w", err)
	}
	return nil
}

// ResendRequest re-sends an incomplete client-bound request, or closes
// it with a generic error once the transmission budget is exhausted.
// The caller must hold the session lock. Returns true when the request
// was re-queued to the client.
func (m *Manager) ResendRequest(ctx context.Context, req *types.RequestState) (bool, error) {
	if req.Request == nil || req.ClientID == "" {
		return false, nil
	}

	req.TransmissionCount++
	buf, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("failed to marshal request state: %w", err)
	}
	if err := m.ds.Set(ctx, req.SessionID.Subject(), RequestPredicate(req.ID), buf, 0, true); err != nil {
		return false, fmt.Errorf("failed to update request state: %w", err)
	}

	if req.TransmissionCount >= MaxTransmissionCount {
		status := &types.Status{
			Code:         types.StatusGenericError,
			ErrorMessage: fmt.Sprintf("request %d gave up after %d transmissions", req.ID, req.TransmissionCount),
		}
		msg, err := types.NewStatusMessage(req.SessionID, req.ID, uint64(req.ResponseCount)+1, status)
		if err != nil {
			return false, fmt.Errorf("failed to build failure status: %w", err)
		}
		if err := m.StoreResponse(ctx, msg); err != nil {
			return false, err
		}
		m.logger.Warn("request exhausted its transmission budget",
			"session_id", req.SessionID,
			"request_id", req.ID,
			"client_id", req.ClientID,
		)
		return false, nil
	}

	if err := m.ScheduleTasks(ctx, req.ClientID, []*types.Message{req.Request}); err != nil {
		return false, err
	}
	requestsRetransmitted.Inc()
	m.logger.Info("retransmitted request",
		"session_id", req.SessionID,
		"request_id", req.ID,
		"transmission_count", req.TransmissionCount,
	)
	return true, nil
}
