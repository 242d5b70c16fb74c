package schema

import (
	"fmt"
	"time"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates all issues from the validation pipeline.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// ToError converts the result to an EngineError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}

// ValidateDefinition runs the semantic checks that JSON Schema cannot express:
// duplicate action names, unparseable durations, references to templates that
// the definition does not carry. Missing template bodies are an error because
// a run captures its templates at dispatch time and cannot recover later.
func ValidateDefinition(def *WorkflowDefinition) *ValidationResult {
	r := &ValidationResult{}
	if def == nil {
		r.AddError("/", ErrCodeValidation, "definition is nil")
		return r
	}
	if def.ID == "" {
		r.AddError("/id", ErrCodeValidation, "definition id is required")
	}
	if def.CompanyID == "" {
		r.AddError("/company_id", ErrCodeValidation, "company id is required")
	}
	if len(def.Actions) == 0 {
		r.AddError("/actions", ErrCodeValidation, "definition has no actions")
	}

	seen := make(map[string]struct{}, len(def.Actions))
	for i, a := range def.Actions {
		path := fmt.Sprintf("/actions/%d", i)
		if a.Name == "" {
			r.AddError(path+"/name", ErrCodeValidation, "action name is required")
		} else if _, dup := seen[a.Name]; dup {
			r.AddError(path+"/name", ErrCodeValidation, fmt.Sprintf("duplicate action name %q", a.Name))
		} else {
			seen[a.Name] = struct{}{}
		}

		switch a.Channel {
		case ChannelEmail, ChannelSMS, ChannelPublish:
		default:
			r.AddError(path+"/channel", ErrCodeValidation, fmt.Sprintf("unknown channel %q", a.Channel))
		}

		if a.Template == "" {
			r.AddError(path+"/template", ErrCodeValidation, "template name is required")
		} else if _, ok := def.Templates[a.Template]; !ok {
			r.AddError(path+"/template", ErrCodeValidation,
				fmt.Sprintf("template %q not defined in templates map", a.Template))
		}

		if a.Delay != "" {
			if d, err := time.ParseDuration(a.Delay); err != nil {
				r.AddError(path+"/delay", ErrCodeValidation, fmt.Sprintf("invalid delay %q", a.Delay))
			} else if d < 0 {
				r.AddError(path+"/delay", ErrCodeValidation, "delay must not be negative")
			}
		}
		if a.Timeout != "" {
			if _, err := time.ParseDuration(a.Timeout); err != nil {
				r.AddError(path+"/timeout", ErrCodeValidation, fmt.Sprintf("invalid timeout %q", a.Timeout))
			}
		}
		if a.Retry != nil {
			if a.Retry.Max < 1 {
				r.AddError(path+"/retry/max", ErrCodeValidation, "retry max must be at least 1")
			}
			if a.Retry.Delay != "" {
				if _, err := time.ParseDuration(a.Retry.Delay); err != nil {
					r.AddError(path+"/retry/delay", ErrCodeValidation, fmt.Sprintf("invalid retry delay %q", a.Retry.Delay))
				}
			}
		}
	}

	// A passive trigger with no criteria at all would fire on every event;
	// the registry treats it as manual-only, which is worth flagging.
	if def.Trigger.Empty() {
		r.AddWarning("/trigger", ErrCodeValidation, "empty trigger predicate: definition fires only on manual dispatch")
	}

	return r
}
