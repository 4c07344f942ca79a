// Package loader fetches routine definitions for the engine.
//
// Where routines are stored is not the engine's concern; it only needs a
// Loader returning the routine's dialect and its decoded definition. MapLoader
// serves routines held in memory, FileLoader reads them from a directory of
// YAML or JSON documents.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
)

// Sentinel errors.
var (
	// ErrNotFound indicates no routine exists with the requested ID.
	ErrNotFound = errors.New("routine not found")

	// ErrInvalidRoutine indicates a routine document could not be decoded.
	ErrInvalidRoutine = errors.New("invalid routine")
)

// Routine is a definition together with the dialect it is written in.
type Routine struct {
	ID         string               `json:"id" yaml:"id"`
	Type       string               `json:"type" yaml:"type"`
	Definition navigator.Definition `json:"definition" yaml:"definition"`
}

// Loader returns routines by ID.
type Loader interface {
	Load(ctx context.Context, id string) (Routine, error)
}

// Func adapts a function to the Loader interface.
type Func func(ctx context.Context, id string) (Routine, error)

// Load implements Loader.
func (f Func) Load(ctx context.Context, id string) (Routine, error) {
	return f(ctx, id)
}

// MapLoader serves routines registered in memory. It is safe for concurrent
// use.
type MapLoader struct {
	mu       sync.RWMutex
	routines map[string]Routine
}

// NewMapLoader creates a loader holding routines.
func NewMapLoader(routines ...Routine) *MapLoader {
	l := &MapLoader{routines: make(map[string]Routine, len(routines))}
	for _, r := range routines {
		l.routines[r.ID] = r
	}
	return l
}

// Add registers or replaces a routine.
func (l *MapLoader) Add(r Routine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.routines[r.ID] = r
}

// Load implements Loader.
func (l *MapLoader) Load(_ context.Context, id string) (Routine, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.routines[id]
	if !ok {
		return Routine{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// IDs returns the registered routine IDs in sorted order.
func (l *MapLoader) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.routines))
	for id := range l.routines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Decoder turns the JSON encoding of a routine's definition into the value
// its navigator expects.
type Decoder func(data []byte) (navigator.Definition, error)

// FileLoader reads routine documents named <id>.yaml, <id>.yml or <id>.json
// from a directory. A document has the shape
//
//	id: order-flow
//	type: graph
//	definition: {...}
//
// The definition is handed to the Decoder registered for the document's
// type; without one it is returned as a generic map.
type FileLoader struct {
	dir      string
	decoders map[string]Decoder
}

// FileOption configures a FileLoader.
type FileOption func(*FileLoader)

// WithDecoder registers the decoder for a routine type.
func WithDecoder(routineType string, dec Decoder) FileOption {
	return func(l *FileLoader) {
		l.decoders[routineType] = dec
	}
}

// NewFileLoader creates a loader reading from dir.
func NewFileLoader(dir string, opts ...FileOption) *FileLoader {
	l := &FileLoader{dir: dir, decoders: make(map[string]Decoder)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var extensions = []string{".yaml", ".yml", ".json"}

// Load implements Loader.
func (l *FileLoader) Load(ctx context.Context, id string) (Routine, error) {
	if err := ctx.Err(); err != nil {
		return Routine{}, err
	}
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return Routine{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	for _, ext := range extensions {
		path := filepath.Join(l.dir, id+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Routine{}, fmt.Errorf("read routine %s: %w", id, err)
		}
		return l.decode(id, data)
	}
	return Routine{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (l *FileLoader) decode(id string, data []byte) (Routine, error) {
	var doc struct {
		ID         string         `yaml:"id"`
		Type       string         `yaml:"type"`
		Definition map[string]any `yaml:"definition"`
	}
	// YAML is a superset of JSON, so one decoder serves both extensions.
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Routine{}, fmt.Errorf("%w %s: %v", ErrInvalidRoutine, id, err)
	}
	if doc.Type == "" {
		return Routine{}, fmt.Errorf("%w %s: missing type", ErrInvalidRoutine, id)
	}
	if doc.ID == "" {
		doc.ID = id
	}
	if doc.ID != id {
		return Routine{}, fmt.Errorf("%w %s: document declares id %q", ErrInvalidRoutine, id, doc.ID)
	}

	r := Routine{ID: doc.ID, Type: doc.Type, Definition: doc.Definition}
	dec, ok := l.decoders[doc.Type]
	if !ok {
		return r, nil
	}
	raw, err := json.Marshal(doc.Definition)
	if err != nil {
		return Routine{}, fmt.Errorf("%w %s: %v", ErrInvalidRoutine, id, err)
	}
	def, err := dec(raw)
	if err != nil {
		return Routine{}, fmt.Errorf("%w %s: %w", ErrInvalidRoutine, id, err)
	}
	r.Definition = def
	return r, nil
}
