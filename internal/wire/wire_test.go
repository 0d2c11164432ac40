package wire

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/rari-dev/rari/internal/domain"
)

func rawProp(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal prop: %v", err)
	}
	return b
}

func TestSerializeRoot_TextElement(t *testing.T) {
	s := New(nil)
	el := &domain.Element{Kind: domain.ElementText, Text: "hello"}

	out, err := s.SerializeRoot(el)
	if err != nil {
		t.Fatalf("SerializeRoot failed: %v", err)
	}
	if !strings.HasPrefix(string(out), `0:"hello"`) {
		t.Fatalf("unexpected root row: %q", out)
	}
}

func TestSerializeRoot_HTMLTag(t *testing.T) {
	s := New(nil)
	el := &domain.Element{
		Kind:    domain.ElementHTMLTag,
		TagName: "div",
		Props:   map[string]json.RawMessage{"id": rawProp(t, "main")},
	}

	out, err := s.SerializeRoot(el)
	if err != nil {
		t.Fatalf("SerializeRoot failed: %v", err)
	}
	line := strings.TrimSuffix(string(out), "\n")
	if !strings.HasPrefix(line, "0:[") {
		t.Fatalf("expected untagged model row, got %q", line)
	}
	if !strings.Contains(line, `"div"`) || !strings.Contains(line, `"main"`) {
		t.Fatalf("expected tag name and prop in payload, got %q", line)
	}
}

func TestSerializeRoot_ServerComponentInvokesAndReplaces(t *testing.T) {
	invoked := false
	s := New(func(id string, props map[string]json.RawMessage) (*domain.Element, error) {
		invoked = true
		if id != "Greeting" {
			t.Fatalf("unexpected component id: %q", id)
		}
		return &domain.Element{Kind: domain.ElementText, Text: "rendered"}, nil
	})

	el := &domain.Element{Kind: domain.ElementServerComponent, ComponentID: "Greeting"}
	out, err := s.SerializeRoot(el)
	if err != nil {
		t.Fatalf("SerializeRoot failed: %v", err)
	}
	if !invoked {
		t.Fatal("expected renderFn to be invoked")
	}
	if !strings.Contains(string(out), `"rendered"`) {
		t.Fatalf("expected invoked result in output, got %q", out)
	}
}

func TestSerializeRoot_ClientComponentEmitsModuleImportRowOnce(t *testing.T) {
	s := New(nil)
	ref := &domain.ClientRef{Path: "./Button.js", Chunks: []string{"chunk1"}, ExportName: "default"}
	child := &domain.Element{Kind: domain.ElementClientComponent, ClientRef: ref}

	list, err := json.Marshal([]domain.Element{*child, *child})
	if err != nil {
		t.Fatalf("marshal children: %v", err)
	}
	root := &domain.Element{
		Kind:    domain.ElementHTMLTag,
		TagName: "div",
		Props:   map[string]json.RawMessage{"children": list},
	}

	out, err := s.SerializeRoot(root)
	if err != nil {
		t.Fatalf("SerializeRoot failed: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")

	importRows := 0
	for _, l := range lines {
		if strings.Contains(l, ":I") {
			importRows++
			if !strings.Contains(l, "Button.js") {
				t.Fatalf("expected import row to reference module path, got %q", l)
			}
		}
	}
	if importRows != 1 {
		t.Fatalf("expected exactly one module-import row for a repeated client component, got %d in %v", importRows, lines)
	}

	model := lines[len(lines)-1]
	if !strings.Contains(model, "$L") {
		t.Fatalf("expected model row to reference module via $L, got %q", model)
	}
}

func TestSerializeRoot_SuspenseReservesRowAndRefersToIt(t *testing.T) {
	s := New(nil)
	el := &domain.Element{
		Kind:       domain.ElementSuspense,
		BoundaryID: "b1",
		Fallback:   &domain.Element{Kind: domain.ElementText, Text: "loading"},
	}

	out, err := s.SerializeRoot(el)
	if err != nil {
		t.Fatalf("SerializeRoot failed: %v", err)
	}
	if !strings.Contains(string(out), "react.suspense") {
		t.Fatalf("expected react.suspense marker, got %q", out)
	}
	if !strings.Contains(string(out), `"~boundaryId":"b1"`) {
		t.Fatalf("expected boundary id tag in payload, got %q", out)
	}

	rowID, ok := s.BoundaryRowID("b1")
	if !ok {
		t.Fatal("expected a row reserved for boundary b1")
	}
	if !strings.Contains(string(out), "\"$"+itoa(rowID)+"\"") {
		t.Fatalf("expected children reference to reserved row %d in %q", rowID, out)
	}
}

func TestBoundaryUpdateRow_UnknownBoundary(t *testing.T) {
	s := New(nil)
	if _, err := s.BoundaryUpdateRow("nope", &domain.Element{Kind: domain.ElementText, Text: "x"}); err == nil {
		t.Fatal("expected error for unreserved boundary id")
	}
}

func TestBoundaryUpdateRow_WritesToReservedRow(t *testing.T) {
	s := New(nil)
	root := &domain.Element{
		Kind:       domain.ElementSuspense,
		BoundaryID: "b1",
		Fallback:   &domain.Element{Kind: domain.ElementText, Text: "loading"},
	}
	if _, err := s.SerializeRoot(root); err != nil {
		t.Fatalf("SerializeRoot failed: %v", err)
	}

	rowID, _ := s.BoundaryRowID("b1")
	out, err := s.BoundaryUpdateRow("b1", &domain.Element{Kind: domain.ElementText, Text: "done"})
	if err != nil {
		t.Fatalf("BoundaryUpdateRow failed: %v", err)
	}
	if !strings.HasPrefix(string(out), itoa(rowID)+`:"done"`) {
		t.Fatalf("expected row %d with resolved content, got %q", rowID, out)
	}
}

func TestBoundaryErrorRow(t *testing.T) {
	s := New(nil)
	root := &domain.Element{Kind: domain.ElementSuspense, BoundaryID: "b1"}
	if _, err := s.SerializeRoot(root); err != nil {
		t.Fatalf("SerializeRoot failed: %v", err)
	}

	out, err := s.BoundaryErrorRow("b1", "boom")
	if err != nil {
		t.Fatalf("BoundaryErrorRow failed: %v", err)
	}
	if !strings.Contains(string(out), ":E") || !strings.Contains(string(out), "boom") {
		t.Fatalf("unexpected error row: %q", out)
	}
}

func TestCloseRow(t *testing.T) {
	out := CloseRow(7)
	if string(out) != "7:Cnull\n" {
		t.Fatalf("unexpected close row: %q", out)
	}
}

func itoa(v uint32) string {
	b, _ := json.Marshal(v)
	return string(b)
}
