package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Prices arrive either as JSON numbers or as decimal strings with at most two
// fractional digits.
const priceSchema = `{
	"oneOf": [
		{"type": "number", "exclusiveMinimum": 0},
		{"type": "string", "pattern": "^[0-9]+(\\.[0-9]{1,2})?$"}
	]
}`

var requestSchemas = map[string]string{
	"item.create": `{
		"type": "object",
		"required": ["title", "asking_price"],
		"properties": {
			"title": {"type": "string", "minLength": 1, "maxLength": 200},
			"description": {"type": "string", "maxLength": 4000},
			"asking_price": ` + priceSchema + `,
			"furniture_type": {"type": "string", "maxLength": 64},
			"condition": {"enum": ["", "excellent", "like_new", "good", "fair", "poor"]},
			"agent_enabled": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	"item.agent": `{
		"type": "object",
		"required": ["enabled"],
		"properties": {"enabled": {"type": "boolean"}},
		"additionalProperties": false
	}`,
	"offer": `{
		"type": "object",
		"required": ["price"],
		"properties": {
			"price": ` + priceSchema + `,
			"message": {"type": "string", "maxLength": 2000}
		},
		"additionalProperties": false
	}`,
	"message": `{
		"type": "object",
		"required": ["message"],
		"properties": {"message": {"type": "string", "minLength": 1, "maxLength": 2000}},
		"additionalProperties": false
	}`,
	"decline": `{
		"type": "object",
		"properties": {"reason": {"type": "string", "maxLength": 2000}},
		"additionalProperties": false
	}`,
	"profile": `{
		"type": "object",
		"properties": {
			"enabled": {"type": "boolean"},
			"aggressiveness_level": {"type": "number", "minimum": 0, "maximum": 1},
			"auto_accept_threshold": {"type": "number", "minimum": 0, "maximum": 1},
			"min_acceptable_ratio": {"type": "number", "minimum": 0, "maximum": 1},
			"response_delay_minutes": {"type": "integer", "minimum": 0, "maximum": 1440},
			"selling_priority": {"enum": ["best_price", "quick_sale"]},
			"personality": {"type": "string"}
		},
		"additionalProperties": false
	}`,
}

type schemaSet map[string]*jsonschema.Schema

func compileSchemas() (schemaSet, error) {
	out := make(schemaSet, len(requestSchemas))
	c := jsonschema.NewCompiler()
	for name, src := range requestSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		loc := name + ".json"
		if err := c.AddResource(loc, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		sch, err := c.Compile(loc)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = sch
	}
	return out, nil
}

// decode validates the body against the named schema and unmarshals it into
// dst. An empty body is treated as {}.
func (ss schemaSet) decode(body io.Reader, name string, dst any) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	// UnmarshalJSON keeps numbers as json.Number so the validator sees exact values.
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &bodyError{reason: "malformed JSON body"}
	}
	sch, ok := ss[name]
	if !ok {
		return fmt.Errorf("unknown request schema %q", name)
	}
	if err := sch.Validate(inst); err != nil {
		return &bodyError{reason: compactReason(err)}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &bodyError{reason: err.Error()}
	}
	return nil
}

// bodyError is a request body that failed parsing or validation.
type bodyError struct{ reason string }

func (e *bodyError) Error() string { return "invalid request body: " + e.reason }

func compactReason(err error) string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "-"))
		if l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, "; ")
}
