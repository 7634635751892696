package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator compiles each Descriptor's parameter schema into a
// jsonschema.Schema once at registration time and validates arguments
// against it thereafter, translating the library's ValidationError causes
// into flattened, human-readable violation strings.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewValidator returns an empty Validator; call Compile per descriptor.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*jsonschema.Schema)}
}

// Compile builds and caches the JSON Schema document for one descriptor.
func (v *Validator) Compile(d Descriptor) error {
	doc := toJSONSchema(d)
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal schema doc: %w", err)
	}
	url := fmt.Sprintf("mem://tools/%s.schema.json", d.Name)
	schema, err := jsonschema.CompileString(url, string(raw))
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[d.Name] = schema
	return nil
}

// Validate checks args against the compiled schema for d.Name and returns
// a flattened, ordered list of human-readable violations (empty on
// success). Validation never mutates args and never performs I/O.
func (v *Validator) Validate(d Descriptor, args map[string]any) []string {
	v.mu.RLock()
	schema, ok := v.schemas[d.Name]
	v.mu.RUnlock()
	if !ok {
		return []string{fmt.Sprintf("no compiled schema for tool %q", d.Name)}
	}

	// jsonschema/v5 validates against decoded Go values (map[string]any,
	// []any, float64/string/bool), so a plain map[string]any args value
	// passes straight through without a JSON round-trip.
	if err := schema.Validate(args); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return []string{err.Error()}
		}
		return flattenViolations(ve)
	}
	return nil
}

// flattenViolations walks a jsonschema.ValidationError's Causes tree and
// produces one "<instance location>: <message>" string per leaf cause, in
// the order the library reports them.
func flattenViolations(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "(root)"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, flattenViolations(cause)...)
	}
	return out
}

// toJSONSchema converts a Descriptor's ParamSchema map into a JSON Schema
// document: an object schema with one property per declared parameter,
// "required" listing the required ones, and additionalProperties gating
// unknown extra arguments.
func toJSONSchema(d Descriptor) map[string]any {
	properties := make(map[string]any, len(d.Params))
	var required []string
	for name, p := range d.Params {
		properties[name] = paramToJSONSchema(p)
		if p.Required {
			required = append(required, name)
		}
	}

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	if !d.AllowPassthrough {
		doc["additionalProperties"] = false
	}
	return doc
}

func paramToJSONSchema(p *ParamSchema) map[string]any {
	out := map[string]any{"type": string(p.Type)}
	if p.MaxLength != nil {
		out["maxLength"] = *p.MaxLength
	}
	if p.MaxItems != nil {
		out["maxItems"] = *p.MaxItems
	}
	if p.Min != nil {
		out["minimum"] = *p.Min
	}
	if p.Max != nil {
		out["maximum"] = *p.Max
	}
	if len(p.Enum) > 0 {
		out["enum"] = p.Enum
	}
	if p.Items != nil {
		out["items"] = paramToJSONSchema(p.Items)
	}
	if p.Type == TypeObject && len(p.Properties) > 0 {
		nested := make(map[string]any, len(p.Properties))
		var req []string
		for name, np := range p.Properties {
			nested[name] = paramToJSONSchema(np)
			if np.Required {
				req = append(req, name)
			}
		}
		out["properties"] = nested
		if len(req) > 0 {
			out["required"] = req
		}
	}
	return out
}
