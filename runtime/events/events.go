// Package events is the platform event fabric. Every event kind is
// registered with a schema; publishing validates the payload, appends the
// envelope to the kind's bounded stream and notifies the kind's channel in
// one substrate transaction. Streams keep history for replay, channels carry
// live fan-out.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

// StreamMaxLen bounds each kind's stream; older entries are trimmed.
const StreamMaxLen = 10_000

// Reserved envelope field names. Payload fields may not collide with them.
var reserved = map[string]struct{}{
	"event_id":       {},
	"kind":           {},
	"version":        {},
	"timestamp":      {},
	"source_service": {},
	"correlation_id": {},
}

type (
	// Field describes one payload field of an event kind.
	Field struct {
		Name string
		// Type is a JSON schema primitive: string, integer, number,
		// boolean, object or array.
		Type     string
		Required bool
	}

	// Definition declares an event kind: its schema version and payload
	// fields.
	Definition struct {
		Kind    string
		Version int
		Fields  []Field
	}

	// Envelope is the published form of an event. Payload fields are spread
	// alongside the base fields on the wire.
	Envelope struct {
		EventID       string
		Kind          string
		Version       int
		Timestamp     time.Time
		Source        string
		CorrelationID string
		Payload       map[string]any
	}

	// Registry resolves event kinds to their compiled schemas. Unknown
	// kinds are rejected at publish and intake time.
	Registry struct {
		mu   sync.RWMutex
		defs map[string]compiled
	}

	compiled struct {
		def    Definition
		schema *jsonschema.Schema
	}
)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]compiled)}
}

// Register adds an event kind. Duplicate kinds and payload fields that
// shadow envelope fields are rejected.
func (r *Registry) Register(def Definition) error {
	if def.Kind == "" {
		return fmt.Errorf("event kind is required")
	}
	if def.Version <= 0 {
		return fmt.Errorf("event kind %q: version must be positive", def.Kind)
	}
	for _, f := range def.Fields {
		if _, ok := reserved[f.Name]; ok {
			return fmt.Errorf("event kind %q: field %q shadows an envelope field", def.Kind, f.Name)
		}
	}
	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("event kind %q: %w", def.Kind, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.defs[def.Kind]; dup {
		return fmt.Errorf("event kind %q already registered", def.Kind)
	}
	r.defs[def.Kind] = compiled{def: def, schema: schema}
	return nil
}

// MustRegister registers defs and panics on error, for static kind tables.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Definition returns the registered definition for kind.
func (r *Registry) Definition(kind string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.defs[kind]
	return c.def, ok
}

// Kinds lists all registered kinds in lexical order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for k := range r.defs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks a payload against the kind's schema. Unknown kinds and
// schema violations are validation faults.
func (r *Registry) Validate(kind string, payload map[string]any) error {
	r.mu.RLock()
	c, ok := r.defs[kind]
	r.mu.RUnlock()
	if !ok {
		return fault.Errorf(fault.KindValidation, "unknown event kind %q", kind)
	}
	for name := range payload {
		if _, clash := reserved[name]; clash {
			return fault.Errorf(fault.KindValidation, "payload field %q shadows an envelope field", name)
		}
	}
	// Round-trip through JSON so the validator sees wire-shaped values
	// regardless of the Go types the caller used.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "marshal payload")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "decode payload")
	}
	if err := c.schema.Validate(doc); err != nil {
		return fault.Wrap(fault.KindValidation, err, "event %s payload", kind)
	}
	return nil
}

// StreamName is the substrate stream for a kind.
func StreamName(kind string) string { return "events:" + kind }

// ChannelName is the substrate pub/sub channel for a kind.
func ChannelName(kind string) string { return "events." + kind }

// MarshalWire serializes the envelope canonically: base fields and payload
// fields in one flat JSON object with lexically ordered keys.
func (e Envelope) MarshalWire() ([]byte, error) {
	flat := make(map[string]any, len(e.Payload)+6)
	for k, v := range e.Payload {
		flat[k] = v
	}
	flat["event_id"] = e.EventID
	flat["kind"] = e.Kind
	flat["version"] = e.Version
	flat["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	flat["source_service"] = e.Source
	if e.CorrelationID != "" {
		flat["correlation_id"] = e.CorrelationID
	}
	return json.Marshal(flat)
}

// UnmarshalWire parses a wire envelope produced by MarshalWire.
func UnmarshalWire(data []byte) (Envelope, error) {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return Envelope{}, fault.Wrap(fault.KindValidation, err, "parse event envelope")
	}
	var e Envelope
	e.EventID, _ = flat["event_id"].(string)
	e.Kind, _ = flat["kind"].(string)
	if v, ok := flat["version"].(float64); ok {
		e.Version = int(v)
	}
	if ts, ok := flat["timestamp"].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Envelope{}, fault.Wrap(fault.KindValidation, err, "parse event timestamp")
		}
		e.Timestamp = t
	}
	e.Source, _ = flat["source_service"].(string)
	e.CorrelationID, _ = flat["correlation_id"].(string)
	if e.EventID == "" || e.Kind == "" {
		return Envelope{}, fault.New(fault.KindValidation, "event envelope missing id or kind")
	}
	e.Payload = make(map[string]any)
	for k, v := range flat {
		if _, ok := reserved[k]; ok {
			continue
		}
		e.Payload[k] = v
	}
	return e, nil
}

func compileSchema(def Definition) (*jsonschema.Schema, error) {
	properties := make(map[string]any, len(def.Fields))
	required := make([]string, 0, len(def.Fields))
	for _, f := range def.Fields {
		if f.Name == "" || f.Type == "" {
			return nil, fmt.Errorf("field name and type are required")
		}
		properties[f.Name] = map[string]any{"type": f.Type}
		if f.Required {
			required = append(required, f.Name)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		sort.Strings(required)
		doc["required"] = required
	}
	// Round-trip the document through JSON so the compiler sees canonical
	// schema values rather than Go-native ones.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
