package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"kanboard/internal/domain"
)

// Publisher receives events after the transaction that wrote them commits.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts an event row inside tx and returns the stored event.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, boardID, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		TS:         w.Now().UTC().Format(time.RFC3339),
		Type:       evtType,
		BoardID:    boardID,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,board_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		evt.TS, evt.Type, nullable(evt.BoardID), evt.EntityKind, nullable(evt.EntityID), evt.ActorID, evt.Payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("insert event %s: %w", evtType, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		evt.ID = id
	}
	return evt, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
