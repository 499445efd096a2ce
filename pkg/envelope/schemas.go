package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/machinenativeops/axm/pkg/contracts"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchemas maps each message type to its compiled payload schema.
// Schemas are permissive about extra fields so that agents can evolve
// their reports without a lockstep upgrade of the core.
var payloadSchemas = map[contracts.MessageType]*jsonschema.Schema{}

var schemaSources = map[contracts.MessageType]string{
	contracts.MessageIncidentSignal: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["incident_type", "severity"],
		"properties": {
			"incident_type":      {"type": "string", "minLength": 1},
			"severity":           {"type": "string", "enum": ["low", "medium", "high", "critical"]},
			"title":              {"type": "string"},
			"description":        {"type": "string"},
			"affected_resources": {"type": "array", "items": {"type": "string"}},
			"metadata":           {"type": "object"}
		}
	}`,
	contracts.MessageRCAReport: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["root_cause"],
		"properties": {
			"root_cause":      {"type": "string", "minLength": 1},
			"analysis":        {"type": "string"},
			"recommendations": {"type": "array", "items": {"type": "string"}},
			"confidence":      {"type": "number", "minimum": 0, "maximum": 1}
		}
	}`,
	contracts.MessageFixProposal: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["proposal"],
		"properties": {
			"proposal_id":    {"type": "string"},
			"proposal":       {"type": ["object", "string"]},
			"estimated_risk": {"type": "string"},
			"rollback_plan":  {"type": ["object", "string"]}
		}
	}`,
	contracts.MessageVerificationReport: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["pass"],
		"properties": {
			"pass":     {"type": "boolean"},
			"findings": {"type": "array", "items": {"type": "string"}},
			"verifier": {"type": "string"}
		}
	}`,
	contracts.MessageExecutionResult: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["success"],
		"properties": {
			"success":  {"type": "boolean"},
			"output":   {"type": "string"},
			"error":    {"type": "string"},
			"executor": {"type": "string"}
		}
	}`,
	contracts.MessageValidationReport: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["pass"],
		"properties": {
			"pass":    {"type": "boolean"},
			"checks":  {"type": "array"},
			"details": {"type": "string"}
		}
	}`,
	contracts.MessageKnowledgeArtifactPublished: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["artifact_id"],
		"properties": {
			"artifact_id": {"type": "string", "minLength": 1},
			"location":    {"type": "string"},
			"summary":     {"type": "string"}
		}
	}`,
	contracts.MessageRollbackCompleted: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"properties": {
			"reverted": {"type": "boolean"},
			"details":  {"type": "string"}
		}
	}`,
}

func init() {
	for mt, src := range schemaSources {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("axm://schemas/%s.json", mt)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("envelope: bad schema for %s: %v", mt, err))
		}
		sch, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("envelope: compile schema for %s: %v", mt, err))
		}
		payloadSchemas[mt] = sch
	}
}

// CheckPayload validates a raw payload against the schema for its message
// type. A payload that is not a JSON object fails with a single error.
func CheckPayload(mt contracts.MessageType, payload json.RawMessage) []ValidationError {
	sch, ok := payloadSchemas[mt]
	if !ok {
		return []ValidationError{{
			Field:   "meta.message_type",
			Code:    "UNSUPPORTED_MESSAGE_TYPE",
			Message: fmt.Sprintf("no payload schema for message type %q", mt),
		}}
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return []ValidationError{{
			Field:   "payload",
			Code:    "INVALID_ENVELOPE",
			Message: fmt.Sprintf("payload is not valid JSON: %v", err),
		}}
	}

	err := sch.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		verr = ve
	} else {
		return []ValidationError{{
			Field:   "payload",
			Code:    "INVALID_ENVELOPE",
			Message: err.Error(),
		}}
	}

	var out []ValidationError
	for _, leaf := range leafCauses(verr) {
		field := "payload"
		if loc := strings.Trim(leaf.InstanceLocation, "/"); loc != "" {
			field = "payload." + strings.ReplaceAll(loc, "/", ".")
		}
		out = append(out, ValidationError{
			Field:   field,
			Code:    "INVALID_ENVELOPE",
			Message: leaf.Message,
		})
	}
	return out
}

// leafCauses flattens a nested schema validation error into its most
// specific causes so each reported violation names a concrete field.
func leafCauses(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}
	var leaves []*jsonschema.ValidationError
	for _, c := range err.Causes {
		leaves = append(leaves, leafCauses(c)...)
	}
	return leaves
}
