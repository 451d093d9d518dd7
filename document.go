package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

var (
	// ErrKeyNotFound is returned when a path segment does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrNotObject is returned when a path segment resolves to a non-object.
	ErrNotObject = errors.New("not an object")
)

// PathError reports a failed lookup at a document path.
type PathError struct {
	Op   string
	Path []string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, formatPath(e.Path), e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

func formatPath(path []string) string {
	if len(path) == 0 {
		return "<root>"
	}
	return strings.Join(path, ":")
}

// Document is a JSON configuration tree. Objects are map[string]any, arrays
// []any, numbers json.Number (so integer precision survives a rewrite).
type Document struct {
	root map[string]any
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{root: map[string]any{}}
}

// ParseDocument parses data. The top level must be an object.
func ParseDocument(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("failed to parse document: trailing data")
	}
	if root == nil {
		return nil, fmt.Errorf("failed to parse document: top level is not an object")
	}
	return &Document{root: root}, nil
}

// LoadDocument reads and parses the document at path.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Get returns the value at path.
func (d *Document) Get(path ...string) (any, error) {
	var cur any = d.root
	for i, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, &PathError{Op: "get", Path: path[:i], Err: ErrNotObject}
		}
		next, ok := obj[key]
		if !ok {
			return nil, &PathError{Op: "get", Path: path[:i+1], Err: ErrKeyNotFound}
		}
		cur = next
	}
	return cur, nil
}

// Object returns the object at path.
func (d *Document) Object(path ...string) (map[string]any, error) {
	v, err := d.Get(path...)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &PathError{Op: "get", Path: path, Err: ErrNotObject}
	}
	return obj, nil
}

// StringAt returns the string leaf at path.
func (d *Document) StringAt(path ...string) (string, error) {
	v, err := d.Get(path...)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", &PathError{Op: "get", Path: path, Err: fmt.Errorf("not a string (%T)", v)}
	}
	return s, nil
}

// Set stores value at path, creating intermediate objects. An existing
// non-object along the way is an error.
func (d *Document) Set(path []string, value any) error {
	if len(path) == 0 {
		return &PathError{Op: "set", Path: path, Err: errors.New("empty path")}
	}
	obj := d.root
	for i, key := range path[:len(path)-1] {
		next, ok := obj[key]
		if !ok {
			child := map[string]any{}
			obj[key] = child
			obj = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return &PathError{Op: "set", Path: path[:i+1], Err: ErrNotObject}
		}
		obj = child
	}
	obj[path[len(path)-1]] = value
	return nil
}

// Keys returns the keys of the object at path in sorted order.
func (d *Document) Keys(path ...string) ([]string, error) {
	obj, err := d.Object(path...)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// SingleKey returns the only key of the object at path. Zero or several keys
// is a precondition failure.
func (d *Document) SingleKey(path ...string) (string, error) {
	keys, err := d.Keys(path...)
	if err != nil {
		return "", err
	}
	if len(keys) != 1 {
		return "", &HarnessError{
			Kind:     KindPrecondition,
			Step:     "single key",
			Msg:      fmt.Sprintf("%s must contain exactly one entry", formatPath(path)),
			Expected: "1",
			Actual:   fmt.Sprintf("%d %v", len(keys), keys),
		}
	}
	return keys[0], nil
}

// RenameKey moves the value stored under from to to inside the object at
// path. Renaming onto an existing different key is refused.
func (d *Document) RenameKey(path []string, from, to string) error {
	obj, err := d.Object(path...)
	if err != nil {
		return err
	}
	v, ok := obj[from]
	if !ok {
		return &PathError{Op: "rename", Path: append(append([]string(nil), path...), from), Err: ErrKeyNotFound}
	}
	if from == to {
		return nil
	}
	if _, exists := obj[to]; exists {
		return &PathError{Op: "rename", Path: append(append([]string(nil), path...), to), Err: errors.New("key already exists")}
	}
	delete(obj, from)
	obj[to] = v
	return nil
}

// Merge deep-merges overlay into d: overlay keys win, nested objects merge
// recursively, scalar leaves and arrays replace.
func (d *Document) Merge(overlay *Document) {
	if overlay == nil {
		return
	}
	mergeObjects(d.root, overlay.root)
}

// MergeAt deep-merges value into the object at path, creating it if missing.
func (d *Document) MergeAt(path []string, value map[string]any) error {
	existing, err := d.Get(path...)
	if errors.Is(err, ErrKeyNotFound) {
		return d.Set(path, deepCopy(value))
	}
	if err != nil {
		return err
	}
	obj, ok := existing.(map[string]any)
	if !ok {
		return d.Set(path, deepCopy(value))
	}
	mergeObjects(obj, value)
	return nil
}

func mergeObjects(dst, src map[string]any) {
	for k, sv := range src {
		if srcObj, ok := sv.(map[string]any); ok {
			if dstObj, ok := dst[k].(map[string]any); ok {
				mergeObjects(dstObj, srcObj)
				continue
			}
		}
		dst[k] = deepCopy(sv)
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

// Bytes renders the document as indented JSON with a trailing newline.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d.root); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes the document to path atomically.
func (d *Document) Save(path string) error {
	data, err := d.Bytes()
	if err != nil {
		return err
	}
	return AtomicWriteFile(path, data)
}
