// Package collab defines the engine's boundary to its external collaborators:
// the text-generation service, the per-channel delivery services, and the
// entity store holding leads, customers and content items. The engine couples
// to these contracts only; production implementations live outside the engine.
package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/outflowhq/outflow/pkg/schema"
)

// EntitySnapshot is a fresh, read-only view of a triggering entity's current
// state. Callers fetch a snapshot immediately before condition evaluation and
// template rendering so decisions are judged on live data, never on state
// captured when the step was scheduled.
type EntitySnapshot struct {
	EntityType string
	EntityID   string
	Fields     map[string]any
}

// Recipient resolves the delivery address for a channel from snapshot fields.
func (s EntitySnapshot) Recipient(ch schema.Channel) string {
	var key string
	switch ch {
	case schema.ChannelEmail:
		key = "email"
	case schema.ChannelSMS:
		key = "phone"
	case schema.ChannelPublish:
		key = "platform"
	default:
		return ""
	}
	if v, ok := s.Fields[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// Int reads a numeric field, tolerating the types JSON decoding produces.
func (s EntitySnapshot) Int(key string) int {
	switch v := s.Fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Generator produces message content from a rendered template used as a
// guidance prompt. Implementations must respect the context deadline.
type Generator interface {
	Generate(ctx context.Context, prompt string, meta map[string]any) (string, error)
}

// DeliveryReceipt reports a successful delivery.
type DeliveryReceipt struct {
	ProviderID  string
	Detail      string
	DeliveredAt time.Time
}

// DeliveryErrorKind tags delivery failures for the retry policy.
type DeliveryErrorKind string

const (
	DeliveryErrorTransient DeliveryErrorKind = "transient" // timeout, 5xx, rate limit
	DeliveryErrorPermanent DeliveryErrorKind = "permanent" // invalid recipient, rejected content
)

// DeliveryError is the tagged failure a Deliverer returns. The Kind tag is the
// load-bearing contract for retry classification.
type DeliveryError struct {
	Kind    DeliveryErrorKind
	Message string
	Cause   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery %s: %s", e.Kind, e.Message)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }

// Transient reports whether the failure may succeed on retry.
func (e *DeliveryError) Transient() bool { return e.Kind == DeliveryErrorTransient }

// NewTransientError builds a retryable delivery failure.
func NewTransientError(msg string, cause error) *DeliveryError {
	return &DeliveryError{Kind: DeliveryErrorTransient, Message: msg, Cause: cause}
}

// NewPermanentError builds a non-retryable delivery failure.
func NewPermanentError(msg string, cause error) *DeliveryError {
	return &DeliveryError{Kind: DeliveryErrorPermanent, Message: msg, Cause: cause}
}

// Deliverer sends final content to a recipient over one channel.
type Deliverer interface {
	Deliver(ctx context.Context, recipient, content string) (*DeliveryReceipt, error)
}

// EntityStore is the read/write boundary to persistent entity data.
// GetSnapshot must reflect the latest committed state. RecordOutcome writes
// back an engine-produced event tag (e.g. "message_sent") so that condition
// evaluation on later steps observes this run's own effects.
type EntityStore interface {
	GetSnapshot(ctx context.Context, entityType, entityID string) (EntitySnapshot, error)
	RecordOutcome(ctx context.Context, entityType, entityID, eventTag string) error
}
