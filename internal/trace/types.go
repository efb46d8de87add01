// Package trace provides types for trace event collection and analysis.
package trace

import "time"

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events.
const (
	Exec    Tag = "exec"    // emulated instruction inside a dylib image
	Fetch   Tag = "fetch"   // fetch-protection trap fired
	Wrapper Tag = "wrapper" // control redirected through a wrapper library
	Native  Tag = "native"  // native call performed on the host thread
	Kernel  Tag = "kernel"  // return to the sentinel kernel page
	Write   Tag = "write"   // guest memory write
	Load    Tag = "load"    // image loaded into the registry
	Bind    Tag = "bind"    // external symbol bound
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

// Event represents a trace event with rich metadata.
type Event struct {
	PC          uint64      // Program counter at event time
	Tags        Tags        // Multiple hashtags, first is primary
	Name        string      // Subject (library path, symbol name)
	Detail      string      // Additional detail (e.g., "rva=0x2345")
	Annotations Annotations // Key-value metadata
	Timestamp   time.Time   // When the event occurred
}

// NewEvent creates a new trace event with the given parameters.
func NewEvent(pc uint64, category Tag, name, detail string) *Event {
	return &Event{
		PC:          pc,
		Tags:        Tags{category},
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

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Enricher enriches trace events based on category.
type Enricher func(e *Event)

// DefaultEnricher adds secondary tags implied by the primary one.
func DefaultEnricher(e *Event) {
	switch e.Tags.Primary() {
	case Wrapper:
		e.AddTag(Native)
	case Kernel:
		e.AddTag(Fetch)
	}
}
