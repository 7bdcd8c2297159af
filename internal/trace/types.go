// Package trace provides types for trace event collection and analysis.
package trace

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events.
const (
	Kernel       Tag = "kernel"
	DispatchMiss Tag = "dispatch-miss"
	Fallback     Tag = "fallback"
	Alloc        Tag = "alloc"
	File         Tag = "file"
	Sync         Tag = "sync"
	Thread       Tag = "thread"
	Time         Tag = "time"
	Display      Tag = "display"
	Debug        Tag = "debug"
	Failure      Tag = "failure"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Annotations holds key-value metadata for trace events.
type Annotations map[string]string

// Set adds or updates an annotation.
func (a Annotations) Set(k, v string) {
	a[k] = v
}

// Get retrieves an annotation value.
func (a Annotations) Get(k string) string {
	return a[k]
}

// Event represents a single bridged call or dispatch miss.
type Event struct {
	PC          uint32      // Return address of the call
	Tags        Tags        // First tag is primary
	Name        string      // Routine name (e.g., "NtCreateFile")
	Detail      string      // Arguments or result summary
	Annotations Annotations // Key-value metadata
	Timestamp   time.Time
	Session     string // Runtime session id
}

// NewEvent creates a new trace event with the given parameters.
func NewEvent(pc uint32, category, name, detail string) *Event {
	return &Event{
		PC:          pc,
		Tags:        Tags{Tag(category)},
		Name:        name,
		Detail:      detail,
		Annotations: make(Annotations),
		Timestamp:   time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations.Set(k, v)
}

// String renders the event on one line.
func (e *Event) String() string {
	return fmt.Sprintf("%08x %-28s %s %s", e.PC, e.Name, e.Detail, strings.Join(e.Tags.Strings(), " "))
}

// Enricher enriches trace events based on category and name.
type Enricher func(e *Event)

// DefaultEnricher adds additional tags based on category and name.
func DefaultEnricher(e *Event) {
	if len(e.Tags) == 0 {
		return
	}

	switch string(e.Tags[0]) {
	case "mm":
		e.AddTag(Alloc)
	case "file":
		e.AddTag(File)
	case "sync":
		e.AddTag(Sync)
	case "ps":
		e.AddTag(Thread)
	case "time":
		e.AddTag(Time)
	case "av":
		e.AddTag(Display)
	case "dbg":
		e.AddTag(Debug)
	case "fallback":
		e.AddTag(Fallback)
	case "dispatch":
		e.AddTag(DispatchMiss)
	}

	if strings.HasPrefix(e.Detail, "status=0xc") {
		e.AddTag(Failure)
	}
	if e.Name != "" && !e.Tags.Has(Kernel) && e.Tags.Primary() != "dispatch" {
		e.AddTag(Kernel)
	}
}

// Collector accumulates events for later display.
type Collector struct {
	mu       sync.Mutex
	events   []*Event
	session  string
	enricher Enricher
}

// NewCollector creates a collector stamping events with session.
func NewCollector(session string) *Collector {
	return &Collector{session: session, enricher: DefaultEnricher}
}

// Record matches the logger trace callback signature.
func (c *Collector) Record(pc uint32, category, name, detail string) {
	e := NewEvent(pc, category, name, detail)
	e.Session = c.session
	if c.enricher != nil {
		c.enricher(e)
	}
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (c *Collector) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

// Count returns the number of events carrying tag.
func (c *Collector) Count(tag Tag) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Tags.Has(tag) {
			n++
		}
	}
	return n
}
