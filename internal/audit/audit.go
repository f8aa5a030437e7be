// Package audit records every authorization-relevant decision: token
// exchanges, policy publishes, role graph changes. Events always reach the
// structured log; persistence in the audit store is best-effort so that a
// slow or unavailable store never blocks token issuance.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"auth9.org/internal/ids"
	"auth9.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Event is one audit record. Outcome carries the decision or failure kind
// ("issued", "denied_policy", "not_member", ...); Detail holds free-form
// context such as matched rule ids.
type Event struct {
	ID        string         `json:"id"`
	Time      time.Time      `json:"ts"`
	RequestID string         `json:"request_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	ActorKind string         `json:"actor_kind,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	ServiceID string         `json:"service_id,omitempty"`
	Action    string         `json:"action"`
	Outcome   string         `json:"outcome"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Store persists audit events.
type Store interface {
	InsertAuditEvent(ctx context.Context, ev Event) error
}

// Recorder fans an event out to the log and, when configured, the store.
type Recorder struct {
	store Store
}

// NewRecorder returns a Recorder. A nil store is valid: events then go to the
// structured log only.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record fills in id, timestamp and request id, then emits the event. Store
// failures are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if strings.TrimSpace(ev.Action) == "" {
		return
	}
	ev.ID = ids.New()
	ev.Time = time.Now().UTC()
	if ev.RequestID == "" {
		ev.RequestID = RequestIDFromContext(ctx)
	}

	entry := map[string]any{
		"ts":      ev.Time.Format(time.RFC3339Nano),
		"type":    "audit",
		"event":   ev.Action,
		"outcome": ev.Outcome,
		"id":      ev.ID,
	}
	if ev.RequestID != "" {
		entry["request_id"] = ev.RequestID
	}
	if ev.ActorID != "" {
		entry["actor_id"] = ev.ActorID
	}
	if ev.ActorKind != "" {
		entry["actor_kind"] = ev.ActorKind
	}
	if ev.TenantID != "" {
		entry["tenant_id"] = ev.TenantID
	}
	if ev.ServiceID != "" {
		entry["service_id"] = ev.ServiceID
	}
	if len(ev.Detail) > 0 {
		entry["detail"] = ev.Detail
	}
	if data, err := json.Marshal(entry); err == nil {
		obs.Logger().Println(string(data))
	}

	if r.store == nil {
		return
	}
	if err := r.store.InsertAuditEvent(ctx, ev); err != nil {
		obs.LogEvent(map[string]any{
			"level": "error",
			"msg":   "audit store insert failed",
			"event": ev.Action,
			"err":   err.Error(),
		})
	}
}

// LogEvent writes a one-off audit log entry without persistence. Used for
// operational events that do not belong in the audit table.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
