package event

import (
	"maps"
	"slices"
)

// Payload is the closed set of event payload shapes: Record, Text,
// SagaPayload and Blob.
type Payload interface {
	// Kind names the payload shape.
	Kind() string
	clone() Payload
}

// Record is a structured key/value payload.
type Record map[string]any

// Kind implements Payload.
func (Record) Kind() string { return "record" }

func (r Record) clone() Payload {
	return Record(cloneMap(r))
}

// Text is a plain string payload.
type Text string

// Kind implements Payload.
func (Text) Kind() string { return "text" }

func (t Text) clone() Payload { return t }

// SagaPayload describes a saga lifecycle transition.
type SagaPayload struct {
	SagaID           string   `json:"saga_id"`
	Name             string   `json:"name"`
	Status           string   `json:"status"`
	Error            string   `json:"error,omitempty"`
	CompletedSteps   []string `json:"completed_steps,omitempty"`
	CompensatedSteps []string `json:"compensated_steps,omitempty"`
}

// Kind implements Payload.
func (SagaPayload) Kind() string { return "saga" }

func (s SagaPayload) clone() Payload {
	s.CompletedSteps = slices.Clone(s.CompletedSteps)
	s.CompensatedSteps = slices.Clone(s.CompensatedSteps)
	return s
}

// Blob carries opaque data the engine does not interpret.
type Blob struct {
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Kind implements Payload.
func (Blob) Kind() string { return "blob" }

func (b Blob) clone() Payload {
	b.Data = slices.Clone(b.Data)
	return b
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case Record:
		return Record(cloneMap(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(val)
	default:
		return v
	}
}
