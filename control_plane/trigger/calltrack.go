package trigger

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/reflyai/triggerplane/control_plane/ids"
	"github.com/reflyai/triggerplane/control_plane/redact"
	"github.com/reflyai/triggerplane/control_plane/store"
)

// CallTracker persists one immutable audit row per inbound trigger HTTP
// call, with sensitive headers and body fields redacted before write.
type CallTracker struct {
	store store.Store
}

func NewCallTracker(st store.Store) *CallTracker {
	return &CallTracker{store: st}
}

// Call captures everything the tracker needs from the request path.
type Call struct {
	UID                 string
	APIID               string
	CanvasID            string
	WorkflowExecutionID string
	Request             *http.Request
	Body                []byte
	HTTPStatus          int
	Started             time.Time
	FailureReason       string
}

// Track writes the audit row. Failures are logged, never surfaced: a
// broken audit trail must not fail the trigger.
func (t *CallTracker) Track(ctx context.Context, call Call) {
	now := time.Now()

	headers := make(map[string]string, len(call.Request.Header))
	for name := range call.Request.Header {
		headers[name] = call.Request.Header.Get(name)
	}
	headerJSON, err := json.Marshal(redact.Headers(headers))
	if err != nil {
		headerJSON = []byte("{}")
	}

	status := "success"
	if call.HTTPStatus >= 400 {
		status = "failed"
	}

	rec := &store.APICallRecord{
		RecordID:            ids.NewRecordID(),
		UID:                 call.UID,
		APIID:               call.APIID,
		CanvasID:            call.CanvasID,
		WorkflowExecutionID: call.WorkflowExecutionID,
		RequestURL:          call.Request.URL.String(),
		RequestMethod:       call.Request.Method,
		RequestHeaders:      string(headerJSON),
		RequestBody:         string(redact.Body(call.Body)),
		HTTPStatus:          call.HTTPStatus,
		ResponseTimeMs:      time.Since(call.Started).Milliseconds(),
		Status:              status,
		FailureReason:       call.FailureReason,
		CreatedAt:           now,
		CompletedAt:         &now,
	}
	if err := t.store.CreateAPICallRecord(ctx, rec); err != nil {
		log.Printf("call tracker: persist record: %v", err)
	}
}
