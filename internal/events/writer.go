package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"worldline/internal/domain"
)

const (
	WorldCreated     = "world.created"
	WorldUpdated     = "world.updated"
	WorldReplaced    = "world.replaced"
	WorldUsed        = "world.used"
	WorldDeactivated = "world.deactivated"
	WorldPurged      = "world.purged"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits or rolls back with the world write.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, key domain.Key, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,world_id,environment,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(key.ID), nullable(string(key.Environment)), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
