package event

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Classification is an ordered sensitivity tag.
// The zero value means "not set"; the bus and publisher normalise it to
// Restricted.
type Classification int

// Classification levels, least to most sensitive.
const (
	Unclassified Classification = iota
	Open
	Restricted
	Confidential
	Secret
)

var classificationNames = [...]string{
	Unclassified: "UNCLASSIFIED",
	Open:         "OPEN",
	Restricted:   "RESTRICTED",
	Confidential: "CONFIDENTIAL",
	Secret:       "SECRET",
}

// String returns the upper-case level name.
func (c Classification) String() string {
	if c < 0 || int(c) >= len(classificationNames) {
		return fmt.Sprintf("Classification(%d)", int(c))
	}
	return classificationNames[c]
}

// Valid reports whether c is one of the four defined levels.
func (c Classification) Valid() bool {
	return c >= Open && c <= Secret
}

// AtLeast reports whether c is as sensitive as other or more.
func (c Classification) AtLeast(other Classification) bool {
	return c >= other
}

// MarshalText implements encoding.TextMarshaler.
func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Classification) UnmarshalText(text []byte) error {
	parsed, err := ParseClassification(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseClassification parses a level name, case-insensitively.
// The empty string parses as Unclassified.
func ParseClassification(s string) (Classification, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Unclassified, nil
	}
	for i, name := range classificationNames {
		if name == s {
			return Classification(i), nil
		}
	}
	return Unclassified, fmt.Errorf("%w: %q", ErrInvalidClassification, s)
}

// Compliance is the compliance stamp carried in event metadata.
type Compliance struct {
	Classification       Classification `json:"classification"`
	ContainsPersonalData bool           `json:"contains_personal_data"`
	RetentionHint        string         `json:"retention_hint,omitempty"`
	AuditRequired        bool           `json:"audit_required"`
	LawfulBasis          string         `json:"lawful_basis,omitempty"`
}

// Metadata is pipeline-owned event metadata. Handlers receive a copy;
// changes they make never reach other handlers.
type Metadata struct {
	Compliance Compliance        `json:"compliance"`
	Priority   int               `json:"priority,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	m.Attributes = maps.Clone(m.Attributes)
	return m
}

// Event is a unit of occurrence. ID and Timestamp are fixed at creation.
type Event struct {
	id        string
	timestamp time.Time

	Type           string
	Source         string
	SchemaVersion  int
	Payload        Payload
	Classification Classification
	Metadata       Metadata
}

// Option configures event creation.
type Option func(*Event)

// WithEventID sets a specific event ID (default: random UUID).
func WithEventID(id string) Option {
	return func(e *Event) {
		e.id = id
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(e *Event) {
		e.timestamp = t
	}
}

// WithSchemaVersion sets the payload schema version (default: 1).
func WithSchemaVersion(v int) Option {
	return func(e *Event) {
		e.SchemaVersion = v
	}
}

// WithClassification tags the event.
func WithClassification(c Classification) Option {
	return func(e *Event) {
		e.Classification = c
	}
}

// WithAttribute sets a free-form metadata attribute.
func WithAttribute(key, value string) Option {
	return func(e *Event) {
		if e.Metadata.Attributes == nil {
			e.Metadata.Attributes = make(map[string]string)
		}
		e.Metadata.Attributes[key] = value
	}
}

// WithLawfulBasis documents why personal data in the payload may be
// processed (e.g. "contract", "consent").
func WithLawfulBasis(basis string) Option {
	return func(e *Event) {
		e.Metadata.Compliance.LawfulBasis = basis
	}
}

// New creates an event of the given type.
func New(eventType, source string, payload Payload, opts ...Option) *Event {
	e := &Event{
		id:            uuid.NewString(),
		timestamp:     time.Now(),
		Type:          eventType,
		Source:        source,
		SchemaVersion: 1,
		Payload:       payload,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns the unique event identifier.
func (e *Event) ID() string {
	return e.id
}

// Timestamp returns when the event was created.
func (e *Event) Timestamp() time.Time {
	return e.timestamp
}

// Clone returns a deep copy with the same ID and timestamp.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Metadata = e.Metadata.Clone()
	if e.Payload != nil {
		c.Payload = e.Payload.clone()
	}
	return &c
}

// String implements fmt.Stringer.
func (e *Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Type, e.id)
}
