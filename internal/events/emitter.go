// Package events builds and persists the append-only transition log. Every
// state transition appends its event inside the same transaction, so a
// committed transition is never missing its event.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"strings"
	"time"

	"controlroom/internal/domain"
	"controlroom/internal/sanitize"
	"controlroom/internal/store"
)

// Emitter stamps envelopes and appends them through the store. Payloads go
// through the sanitizer before anything is written or broadcast.
type Emitter struct {
	Store     store.Store
	Bus       *Bus
	Sanitizer sanitize.Sanitizer
	// ID names this emitter in every envelope.
	ID string
	// Now is injectable for tests. Nil means time.Now.
	Now func() time.Time
}

func (em *Emitter) now() time.Time {
	if em.Now != nil {
		return em.Now()
	}
	return time.Now()
}

// Channel derives the routing channel from an event type: the segment
// before the first dot ("control_room.task.created" routes on
// "control_room").
func Channel(eventType string) string {
	if i := strings.Index(eventType, "."); i > 0 {
		return eventType[:i]
	}
	return eventType
}

// Append sanitizes the payload, stamps the envelope, and writes it within
// the caller's transaction. Seq is allocated by the store per correlation
// scope. The returned event is not broadcast until the caller commits and
// calls Broadcast.
func (em *Emitter) Append(ctx context.Context, tx *sql.Tx, eventType, correlationID, turnID string, payload map[string]any) (domain.Event, error) {
	res := em.Sanitizer.SanitizeMap(payload)
	raw, err := json.Marshal(res.Payload)
	if err != nil {
		raw = []byte("{}")
	}
	e := domain.Event{
		TS:            em.now().UTC().Format(time.RFC3339),
		Type:          eventType,
		Emitter:       em.ID,
		CorrelationID: correlationID,
		TurnID:        turnID,
		Channel:       Channel(eventType),
		Stored:        true,
		Payload:       string(raw),
	}
	if err := em.Store.AppendEventTx(ctx, tx, &e); err != nil {
		return domain.Event{}, err
	}
	return e, nil
}

// Broadcast publishes committed events to in-process subscribers. Delivery
// is best effort; a failed delivery is logged as an emission gap and the
// stored log stays authoritative.
func (em *Emitter) Broadcast(evts ...domain.Event) {
	if em.Bus == nil {
		return
	}
	for _, e := range evts {
		em.Bus.Publish(e)
	}
}

// LogGap records that an event could not be emitted for an otherwise
// successful operation. Callers use it where the operation must not fail
// on emission alone.
func LogGap(eventType, correlationID string, err error) {
	log.Printf("events: emission gap type=%s correlation=%s: %v", eventType, correlationID, err)
}
