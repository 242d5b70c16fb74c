package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/outflowhq/outflow/pkg/schema"
)

// PassthroughGenerator returns the rendered template verbatim. It is the
// default generator when no AI collaborator is configured; the executor's
// fallback path produces identical content, so behavior stays consistent.
type PassthroughGenerator struct{}

func (PassthroughGenerator) Generate(_ context.Context, prompt string, _ map[string]any) (string, error) {
	return prompt, nil
}

// LogDeliverer records deliveries to the log instead of sending them.
// Used by the default command wiring and by local development.
type LogDeliverer struct {
	Channel schema.Channel
	Logger  *slog.Logger
}

func (d *LogDeliverer) Deliver(ctx context.Context, recipient, content string) (*DeliveryReceipt, error) {
	if recipient == "" {
		return nil, NewPermanentError("empty recipient", nil)
	}
	d.Logger.InfoContext(ctx, "delivered message",
		slog.String("channel", string(d.Channel)),
		slog.String("recipient", recipient),
		slog.Int("content_len", len(content)),
	)
	return &DeliveryReceipt{
		ProviderID:  fmt.Sprintf("log-%d", time.Now().UnixNano()),
		Detail:      "logged",
		DeliveredAt: time.Now().UTC(),
	}, nil
}

// MemoryEntityStore is a map-backed EntityStore. RecordOutcome increments a
// counter field named after the event tag (e.g. "message_sent" becomes
// "message_sent_count"), which is how later condition evaluations observe a
// run's own effects.
type MemoryEntityStore struct {
	mu       sync.RWMutex
	entities map[string]map[string]any // entityType/entityID -> fields
}

// NewMemoryEntityStore creates an empty in-memory entity store.
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{entities: make(map[string]map[string]any)}
}

// Put stores or replaces an entity's fields.
func (m *MemoryEntityStore) Put(entityType, entityID string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	m.entities[entityKey(entityType, entityID)] = cp
}

// SetField updates a single field in place, creating the entity if needed.
func (m *MemoryEntityStore) SetField(entityType, entityID, key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entityKey(entityType, entityID)
	if m.entities[k] == nil {
		m.entities[k] = make(map[string]any)
	}
	m.entities[k][key] = value
}

func (m *MemoryEntityStore) GetSnapshot(_ context.Context, entityType, entityID string) (EntitySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.entities[entityKey(entityType, entityID)]
	if !ok {
		return EntitySnapshot{}, schema.NewErrorf(schema.ErrCodeNotFound, "entity %s/%s not found", entityType, entityID)
	}
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return EntitySnapshot{EntityType: entityType, EntityID: entityID, Fields: cp}, nil
}

func (m *MemoryEntityStore) RecordOutcome(_ context.Context, entityType, entityID, eventTag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entityKey(entityType, entityID)
	if m.entities[k] == nil {
		m.entities[k] = make(map[string]any)
	}
	counter := eventTag + "_count"
	switch v := m.entities[k][counter].(type) {
	case int:
		m.entities[k][counter] = v + 1
	case float64:
		m.entities[k][counter] = int(v) + 1
	default:
		m.entities[k][counter] = 1
	}
	return nil
}

func entityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}
