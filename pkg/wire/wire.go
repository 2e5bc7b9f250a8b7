// Package wire declares the serializer contract the upload path builds
// records into. The real wire format (whatever the upstream protocol
// expects) is an external collaborator - only its interface shape is
// needed here. JSONSerializer is a minimal, dependency-free stand-in
// used by tests and by cmd/pbufferd's export subcommand; production wiring would
// substitute whatever serializer the upstream client expects.
package wire

import "encoding/json"

// Serializer is the shape get_* builds records into: an array of objects
// under construction, one object per record, with default-valued fields
// elided by the caller before AddField is invoked.
type Serializer interface {
	// AddArray starts (or returns an already-started) named array to
	// append objects to.
	AddArray(tag string)
	// AddObject starts a new object inside the named array.
	AddObject(tag string)
	// AddField sets a field on the object most recently started with
	// AddObject.
	AddField(name string, value any)
	// Close finalizes the array and returns the serialized payload.
	Close(tag string) ([]byte, error)
}

// JSONSerializer builds a JSON object of the form {"tag": [ {...}, ... ]}.
type JSONSerializer struct {
	arrays  map[string][]map[string]any
	current map[string]any
	order   []string
}

// NewJSONSerializer creates an empty serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{arrays: make(map[string][]map[string]any)}
}

func (j *JSONSerializer) AddArray(tag string) {
	if _, ok := j.arrays[tag]; !ok {
		j.arrays[tag] = nil
		j.order = append(j.order, tag)
	}
}

func (j *JSONSerializer) AddObject(tag string) {
	j.AddArray(tag)
	j.current = make(map[string]any)
	j.arrays[tag] = append(j.arrays[tag], j.current)
}

func (j *JSONSerializer) AddField(name string, value any) {
	if j.current == nil {
		return
	}
	j.current[name] = value
}

func (j *JSONSerializer) Close(tag string) ([]byte, error) {
	return json.Marshal(map[string]any{tag: j.arrays[tag]})
}
