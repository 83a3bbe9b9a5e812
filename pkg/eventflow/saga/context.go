package saga

import (
	"maps"
	"sync"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// Context is the state shared by the steps of one execution. It is owned by
// that execution and never aliased by another.
type Context struct {
	SagaID         string
	Classification event.Classification

	mu       sync.RWMutex
	data     map[string]any
	results  map[string]any
	metadata map[string]string
}

func newContext(sagaID string, data map[string]any, metadata map[string]string, c event.Classification) *Context {
	sc := &Context{
		SagaID:         sagaID,
		Classification: c,
		data:           make(map[string]any, len(data)),
		results:        make(map[string]any),
		metadata:       make(map[string]string, len(metadata)),
	}
	maps.Copy(sc.data, data)
	maps.Copy(sc.metadata, metadata)
	return sc
}

// Get returns a data value.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// Set stores a data value. Steps and compensations use data as a side
// channel.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	c.data[key] = value
	c.mu.Unlock()
}

// Data returns a copy of the data map.
func (c *Context) Data() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.data)
}

// Result returns the value stored by a completed step.
func (c *Context) Result(step string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.results[step]
	return v, ok
}

// Results returns a copy of every step result.
func (c *Context) Results() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.results)
}

// setResult records a step result once; later writes for the same step are
// ignored.
func (c *Context) setResult(step string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.results[step]; !ok {
		c.results[step] = v
	}
}

// Metadata returns a metadata value.
func (c *Context) Metadata(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadata[key]
}

// AllMetadata returns a copy of the metadata map.
func (c *Context) AllMetadata() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.metadata)
}

func (c *Context) clone() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Context{
		SagaID:         c.SagaID,
		Classification: c.Classification,
		data:           maps.Clone(c.data),
		results:        maps.Clone(c.results),
		metadata:       maps.Clone(c.metadata),
	}
}
