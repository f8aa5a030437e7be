package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"auth9.org/internal/audit"
)

var _ audit.Store = (*Store)(nil)

func (s *Store) InsertAuditEvent(ctx context.Context, ev audit.Event) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	detail := []byte("{}")
	if len(ev.Detail) > 0 {
		raw, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
		detail = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events
			(id, ts, request_id, actor_id, actor_kind, tenant_id, service_id, action, outcome, detail)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		ev.ID, ev.Time,
		nullIfEmpty(ev.RequestID), nullIfEmpty(ev.ActorID), nullIfEmpty(ev.ActorKind),
		nullIfEmpty(ev.TenantID), nullIfEmpty(ev.ServiceID),
		ev.Action, ev.Outcome, detail,
	)
	return err
}
