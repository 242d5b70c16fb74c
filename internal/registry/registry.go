// Package registry holds the active workflow definitions of all companies and
// matches incoming entity-change events against their trigger predicates.
// Definitions are validated twice at registration: structurally against a
// JSON Schema and semantically for the checks a schema cannot express.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/outflowhq/outflow/pkg/schema"
)

// Registry is an in-memory definition catalog, safe for concurrent use.
type Registry struct {
	logger    *slog.Logger
	validator *SchemaValidator

	mu   sync.RWMutex
	defs map[string]*schema.WorkflowDefinition
}

// New creates a Registry with the definition schema pre-compiled.
func New(logger *slog.Logger) (*Registry, error) {
	validator, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Registry{
		logger:    logger,
		validator: validator,
		defs:      make(map[string]*schema.WorkflowDefinition),
	}, nil
}

// Register validates and stores a definition, replacing any previous version
// under the same ID. In-flight runs are unaffected: they executed against
// their own captured copy.
func (r *Registry) Register(ctx context.Context, def *schema.WorkflowDefinition) error {
	if err := r.validator.Validate(def); err != nil {
		return err
	}
	result := schema.ValidateDefinition(def)
	if err := result.ToError(); err != nil {
		return err
	}
	for _, w := range result.Warnings {
		r.logger.WarnContext(ctx, "definition warning",
			slog.String("definition_id", def.ID),
			slog.String("path", w.Path),
			slog.String("message", w.Message))
	}

	cp := def.Clone()
	r.mu.Lock()
	r.defs[def.ID] = cp
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "definition registered",
		slog.String("definition_id", def.ID),
		slog.String("company_id", def.CompanyID),
		slog.String("type", string(def.Type)),
		slog.Int("actions", len(def.Actions)))
	return nil
}

// Get returns the definition with the given ID.
func (r *Registry) Get(id string) (*schema.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
	}
	return def.Clone(), nil
}

// List returns every definition, optionally filtered by company.
func (r *Registry) List(companyID string) []*schema.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []*schema.WorkflowDefinition
	for _, def := range r.defs {
		if companyID != "" && def.CompanyID != companyID {
			continue
		}
		defs = append(defs, def.Clone())
	}
	return defs
}

// SetActive flips a definition's active flag. Deactivation stops new runs;
// existing runs continue on their captured copy.
func (r *Registry) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
	}
	def.Active = active
	return nil
}

// Remove deletes a definition from the catalog.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.defs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
	}
	delete(r.defs, id)
	return nil
}

// FindMatching returns the active definitions of the event's company whose
// trigger predicate matches the event. Predicates are conjunctive: the entity
// type and every declared field must match. Definitions with an empty
// predicate never match here; they fire only on manual dispatch.
func (r *Registry) FindMatching(event schema.Event) []*schema.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*schema.WorkflowDefinition
	for _, def := range r.defs {
		if !def.Active || def.CompanyID != event.CompanyID {
			continue
		}
		if def.Trigger.Empty() {
			continue
		}
		if matches(def.Trigger, event) {
			matched = append(matched, def.Clone())
		}
	}
	return matched
}

func matches(trigger schema.TriggerPredicate, event schema.Event) bool {
	if trigger.EntityType != "" && trigger.EntityType != event.EntityType {
		return false
	}
	for field, want := range trigger.Match {
		if event.Fields[field] != want {
			return false
		}
	}
	return true
}
