// Package envelope provides validation and canonical digesting for the
// message envelope that every agent report travels in.
//
// Validation is fail-closed: a message that cannot be proven well-formed
// is rejected before it reaches the lifecycle engine, and rejection has
// no effect on stored state.
package envelope

import (
	"fmt"
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/machinenativeops/axm/pkg/contracts"
)

// ValidationError represents a specific validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult contains the outcome of envelope validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
	Digest string            `json:"digest,omitempty"` // Payload digest if valid
}

// traceIDPattern constrains trace IDs to the agent-slug/date/suffix shape
// produced by the reporting agents, e.g. "watchdog-20260815-a1b2c3".
var traceIDPattern = regexp.MustCompile(`^[a-z][a-z0-9]{1,15}-[0-9]{8}-[A-Za-z0-9-]{1,64}$`)

// Validator validates message envelopes for structural correctness,
// schema-version compatibility, and payload shape.
type Validator struct {
	// versions restricts which payload schema versions are accepted.
	versions *semver.Constraints
	// allowedAgents, when non-empty, restricts who may submit messages.
	allowedAgents map[string]bool
	// clock allows deterministic time for testing.
	clock func() time.Time
}

// NewValidator creates an envelope validator accepting the given schema
// version constraint, e.g. ">=1.0.0 <2.0.0".
func NewValidator(versionConstraint string) (*Validator, error) {
	c, err := semver.NewConstraint(versionConstraint)
	if err != nil {
		return nil, fmt.Errorf("invalid schema version constraint %q: %w", versionConstraint, err)
	}
	return &Validator{
		versions: c,
		clock:    time.Now,
	}, nil
}

// WithAllowedAgents restricts accepted source agents to the given set.
// An empty list leaves the validator open to any source agent.
func (v *Validator) WithAllowedAgents(agents []string) *Validator {
	if len(agents) == 0 {
		return v
	}
	v.allowedAgents = make(map[string]bool, len(agents))
	for _, a := range agents {
		v.allowedAgents[a] = true
	}
	return v
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Validate performs comprehensive validation of a message envelope.
// This is fail-closed: any structural issue results in a validation failure.
func (v *Validator) Validate(env *contracts.Envelope) *ValidationResult {
	result := &ValidationResult{Valid: true}

	v.validateMeta(result, &env.Meta)
	v.validateContext(result, &env.Context)
	v.validatePayload(result, env)

	if result.Valid {
		digest, err := PayloadDigest(env)
		if err == nil {
			result.Digest = digest
		} else {
			v.addError(result, "payload", "DIGEST_ERROR",
				fmt.Sprintf("failed to compute payload digest: %v", err))
		}
	}

	return result
}

func (v *Validator) validateMeta(result *ValidationResult, meta *contracts.Meta) {
	v.requireNonEmpty(result, "meta.trace_id", meta.TraceID)
	v.requireNonEmpty(result, "meta.source_agent", meta.SourceAgent)
	v.requireNonEmpty(result, "meta.target_agent", meta.TargetAgent)
	v.requireNonEmpty(result, "meta.message_type", string(meta.MessageType))
	v.requireNonEmpty(result, "meta.schema_version", meta.SchemaVersion)

	if meta.TraceID != "" && !traceIDPattern.MatchString(meta.TraceID) {
		v.addError(result, "meta.trace_id", "INVALID_ENVELOPE",
			fmt.Sprintf("trace_id %q does not match <agent>-<yyyymmdd>-<suffix>", meta.TraceID))
	}

	if meta.MessageType != "" && !contracts.KnownMessageType(meta.MessageType) {
		v.addError(result, "meta.message_type", "UNSUPPORTED_MESSAGE_TYPE",
			fmt.Sprintf("unknown message type %q", meta.MessageType))
	}

	if meta.SchemaVersion != "" {
		ver, err := semver.NewVersion(meta.SchemaVersion)
		if err != nil {
			v.addError(result, "meta.schema_version", "UNSUPPORTED_SCHEMA_VERSION",
				fmt.Sprintf("schema_version %q is not a semantic version", meta.SchemaVersion))
		} else if !v.versions.Check(ver) {
			v.addError(result, "meta.schema_version", "UNSUPPORTED_SCHEMA_VERSION",
				fmt.Sprintf("schema_version %q is outside the accepted range %s", meta.SchemaVersion, v.versions))
		}
	}

	if v.allowedAgents != nil && meta.SourceAgent != "" && !v.allowedAgents[meta.SourceAgent] {
		v.addError(result, "meta.source_agent", "INVALID_ENVELOPE",
			fmt.Sprintf("source agent %q is not in the allowed set", meta.SourceAgent))
	}
}

func (v *Validator) validateContext(result *ValidationResult, c *contracts.Context) {
	v.requireNonEmpty(result, "context.namespace", c.Namespace)
	v.requireNonEmpty(result, "context.cluster", c.Cluster)

	validUrgency := map[string]bool{"P1": true, "P2": true, "P3": true}
	if c.Urgency != "" && !validUrgency[c.Urgency] {
		v.addError(result, "context.urgency", "INVALID_ENVELOPE",
			fmt.Sprintf("invalid urgency %q", c.Urgency))
	}
}

func (v *Validator) validatePayload(result *ValidationResult, env *contracts.Envelope) {
	if len(env.Payload) == 0 {
		v.addError(result, "payload", "INVALID_ENVELOPE", "payload is required")
		return
	}
	if !contracts.KnownMessageType(env.Meta.MessageType) {
		// Already reported against meta.message_type; no schema to apply.
		return
	}
	for _, verr := range CheckPayload(env.Meta.MessageType, env.Payload) {
		result.Valid = false
		result.Errors = append(result.Errors, verr)
	}
}

func (v *Validator) requireNonEmpty(result *ValidationResult, field, value string) {
	if value == "" {
		v.addError(result, field, "INVALID_ENVELOPE", fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) addError(result *ValidationResult, field, code, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{
		Field:   field,
		Code:    code,
		Message: message,
	})
}
