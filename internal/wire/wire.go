// Package wire serializes an Element tree into the row-oriented wire
// format: lines of the shape "<row_id>:<tag><payload>\n" where tag is one
// of I (module import), E (error), T (text), H (hint), D (debug), W
// (console), C (stream close), or absent for a model row. Grounded on
// spec.md §4.F; the tagged-union-over-virtual-dispatch design note in
// spec.md §9 is why encode is a type switch on domain.ElementKind
// rather than a method on an Element interface.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rari-dev/rari/internal/domain"
)

// Row tags, per spec.md §4.F. The model row (a plain element payload) has
// no tag byte.
const (
	TagModuleImport byte = 'I'
	TagError        byte = 'E'
	TagText         byte = 'T'
	TagHint         byte = 'H'
	TagDebug        byte = 'D'
	TagConsole      byte = 'W'
	TagClose        byte = 'C'
)

// RenderServerComponent invokes a server component by id with the given
// props and returns the Element it produces, per spec.md §4.F rule 2
// ("Server-component calls are invoked and their result replaces the
// node"). Supplied by the Renderer.
type RenderServerComponent func(id string, props map[string]json.RawMessage) (*domain.Element, error)

// Serializer turns an Element tree into wire rows for a single response.
// Its methods take an internal mutex, so the streaming renderer may call
// them from several goroutines of the same response; construct one per
// request.
type Serializer struct {
	mu         sync.Mutex
	nextRowID  uint32
	moduleRows map[string]uint32 // client component Path -> row_id of its "I" row
	renderFn   RenderServerComponent
	boundaries map[string]uint32 // boundary id -> row_id reserved for its content
}

// New constructs a Serializer. renderFn is called whenever the tree
// contains a ServerComponent node.
func New(renderFn RenderServerComponent) *Serializer {
	return &Serializer{
		nextRowID:  1, // row 0 is kept for the root model row
		moduleRows: make(map[string]uint32),
		boundaries: make(map[string]uint32),
		renderFn:   renderFn,
	}
}

func (s *Serializer) reserveRowID() uint32 {
	id := s.nextRowID
	s.nextRowID++
	return id
}

// BoundaryRowID returns the row_id reserved for boundaryID's eventual
// content, if the tree serialized so far has placed a skeleton for it.
func (s *Serializer) BoundaryRowID(boundaryID string) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.boundaries[boundaryID]
	return id, ok
}

// ReserveRowID hands out the next unused row id, for callers (the streaming
// renderer's closing row) that need one outside the element-encoding path.
func (s *Serializer) ReserveRowID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserveRowID()
}

// Boundaries returns a snapshot of every boundary id discovered so far and
// the row it reserved, so a caller (the streaming renderer) can learn which
// boundaries need resolving without re-walking the element tree itself.
func (s *Serializer) Boundaries() map[string]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint32, len(s.boundaries))
	for id, row := range s.boundaries {
		out[id] = row
	}
	return out
}

// SerializeRoot serializes el as the root model row (row 0) plus any
// client-component module-import rows it references, per spec.md §4.F
// ("The first response row is always the root model").
func (s *Serializer) SerializeRoot(el *domain.Element) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	value, err := s.encode(&buf, el)
	if err != nil {
		return nil, err
	}

	rootRow, err := s.reserveRootRow()
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if err := writeRow(&buf, rootRow, 0, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// reserveRootRow assigns row 0 to the root model. New starts nextRowID at
// 1, so module-import and boundary rows reserved during encode never take
// row 0; SerializeRoot is expected to be called exactly once per Serializer.
func (s *Serializer) reserveRootRow() (uint32, error) {
	if s.nextRowID == 0 {
		s.nextRowID = 1
		return 0, nil
	}
	return 0, nil
}

// BoundaryUpdateRow serializes content for an already-registered suspense
// boundary and returns the wire row for it (spec.md §4.H: "on resolve,
// emits a BoundaryUpdate row").
func (s *Serializer) BoundaryUpdateRow(boundaryID string, content *domain.Element) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rowID, ok := s.boundaries[boundaryID]
	if !ok {
		return nil, fmt.Errorf("wire: no reserved row for boundary %q", boundaryID)
	}

	var buf bytes.Buffer
	value, err := s.encode(&buf, content)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if err := writeRow(&buf, rowID, 0, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BoundaryErrorRow serializes a boundary rejection, per spec.md §4.H's
// "<row_id>:E{"boundary_id":..., "message":...}".
func (s *Serializer) BoundaryErrorRow(boundaryID, message string) ([]byte, error) {
	s.mu.Lock()
	rowID, ok := s.boundaries[boundaryID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wire: no reserved row for boundary %q", boundaryID)
	}

	payload, err := json.Marshal(map[string]string{"boundary_id": boundaryID, "message": message})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeRow(&buf, rowID, TagError, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CloseRow emits the stream-complete row closing out a response.
func CloseRow(rowID uint32) []byte {
	var buf bytes.Buffer
	_ = writeRow(&buf, rowID, TagClose, json.RawMessage("null"))
	return buf.Bytes()
}

func writeRow(buf *bytes.Buffer, rowID uint32, tag byte, payload json.RawMessage) error {
	if _, err := fmt.Fprintf(buf, "%d:", rowID); err != nil {
		return err
	}
	if tag != 0 {
		if err := buf.WriteByte(tag); err != nil {
			return err
		}
	}
	if _, err := buf.Write(payload); err != nil {
		return err
	}
	return buf.WriteByte('\n')
}

// encode applies the element serialization rules of spec.md §4.F, in
// order, writing any module-import rows it triggers directly to buf and
// returning the JSON-able value standing in for el at its call site.
func (s *Serializer) encode(buf *bytes.Buffer, el *domain.Element) (any, error) {
	if el == nil {
		return nil, nil
	}

	switch el.Kind {
	case domain.ElementText:
		// Rule 1: text elements emit as JSON strings.
		return el.Text, nil

	case domain.ElementServerComponent:
		// Rule 2: server-component calls are invoked and their result
		// replaces the node.
		if s.renderFn == nil {
			return nil, fmt.Errorf("wire: no RenderServerComponent configured, cannot resolve %q", el.ComponentID)
		}
		resolved, err := s.renderFn(el.ComponentID, el.Props)
		if err != nil {
			return nil, err
		}
		return s.encode(buf, resolved)

	case domain.ElementClientComponent:
		// Rule 3: emit a module-import row once per specifier, then
		// reference it.
		if el.ClientRef == nil {
			return nil, fmt.Errorf("wire: client component element missing ClientRef")
		}
		rowID, alreadyEmitted := s.moduleRows[el.ClientRef.Path]
		if !alreadyEmitted {
			rowID = s.reserveRowID()
			s.moduleRows[el.ClientRef.Path] = rowID
			importPayload, err := json.Marshal([]any{el.ClientRef.Path, el.ClientRef.Chunks, el.ClientRef.ExportName})
			if err != nil {
				return nil, err
			}
			if err := writeRow(buf, rowID, TagModuleImport, importPayload); err != nil {
				return nil, err
			}
		}
		props, err := s.encodeProps(buf, el.Props)
		if err != nil {
			return nil, err
		}
		return []any{"$", fmt.Sprintf("$L%d", rowID), keyOrNil(el.Key), props}, nil

	case domain.ElementSuspense:
		// Rule 4: suspense boundaries emit a react.suspense element with a
		// fallback prop and a boundary tag; children resolve later at a
		// reserved row.
		fallback, err := s.encode(buf, el.Fallback)
		if err != nil {
			return nil, err
		}
		rowID := s.reserveRowID()
		s.boundaries[el.BoundaryID] = rowID
		props := map[string]any{
			"fallback":    fallback,
			"children":    fmt.Sprintf("$%d", rowID),
			"~boundaryId": el.BoundaryID,
		}
		return []any{"$", "react.suspense", keyOrNil(el.Key), props}, nil

	case domain.ElementReference:
		return fmt.Sprintf("$%d", el.RowID), nil

	case domain.ElementPromise:
		return fmt.Sprintf("$@%s", el.PromiseHandle), nil

	case domain.ElementHTMLTag:
		// Rule 5: plain HTML tags.
		props, err := s.encodeProps(buf, el.Props)
		if err != nil {
			return nil, err
		}
		return []any{"$", el.TagName, keyOrNil(el.Key), props}, nil

	default:
		return nil, fmt.Errorf("wire: unknown element kind %q", el.Kind)
	}
}

// encodeProps passes most prop values through unchanged, except
// "children", which may itself be a nested Element or list of Elements
// that still needs row-aware encoding (module-import dedup, boundary
// reservation, etc).
func (s *Serializer) encodeProps(buf *bytes.Buffer, props map[string]json.RawMessage) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if k != "children" {
			var plain any
			if err := json.Unmarshal(v, &plain); err != nil {
				return nil, fmt.Errorf("wire: prop %q is not valid JSON: %w", k, err)
			}
			out[k] = plain
			continue
		}
		encodedChildren, err := s.encodeChildren(buf, v)
		if err != nil {
			return nil, err
		}
		out[k] = encodedChildren
	}
	return out, nil
}

func (s *Serializer) encodeChildren(buf *bytes.Buffer, raw json.RawMessage) (any, error) {
	var single domain.Element
	if err := json.Unmarshal(raw, &single); err == nil && single.Kind != "" {
		return s.encode(buf, &single)
	}

	var list []domain.Element
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 && list[0].Kind != "" {
		out := make([]any, len(list))
		for i := range list {
			v, err := s.encode(buf, &list[i])
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("wire: children prop is not valid JSON: %w", err)
	}
	return plain, nil
}

func keyOrNil(key *string) any {
	if key == nil {
		return nil
	}
	return *key
}
