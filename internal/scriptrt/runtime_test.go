package scriptrt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rari-dev/rari/internal/domain"
)

func TestRuntime_ExecuteScript(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Close()

	val, err := r.ExecuteScript("basic", "1 + 2")
	if err != nil {
		t.Fatalf("ExecuteScript failed: %v", err)
	}
	if string(val) != "3" {
		t.Fatalf("expected '3', got '%s'", string(val))
	}
}

func TestRuntime_ExecuteScript_StatePersistsAcrossCalls(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Close()

	if _, err := r.ExecuteScript("define", "var counter = 0; counter"); err != nil {
		t.Fatalf("first ExecuteScript failed: %v", err)
	}
	val, err := r.ExecuteScript("increment", "counter += 1; counter")
	if err != nil {
		t.Fatalf("second ExecuteScript failed: %v", err)
	}
	if string(val) != "1" {
		t.Fatalf("expected state to persist, got '%s'", string(val))
	}
}

func TestRuntime_ExecuteFunction(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Close()

	if _, err := r.ExecuteScript("define", "function add(a, b) { return a + b; }"); err != nil {
		t.Fatalf("define failed: %v", err)
	}

	args, _ := json.Marshal([]any{2, 3})
	val, err := r.ExecuteFunction("add", args)
	if err != nil {
		t.Fatalf("ExecuteFunction failed: %v", err)
	}
	if string(val) != "5" {
		t.Fatalf("expected '5', got '%s'", string(val))
	}
}

func TestRuntime_ExecuteFunction_NotDefined(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Close()

	_, err := r.ExecuteFunction("missing", nil)
	if err == nil {
		t.Fatal("expected error for undefined function")
	}
	rerr, ok := err.(*domain.RenderError)
	if !ok || rerr.Kind != domain.ErrNotFound {
		t.Fatalf("expected NotFound RenderError, got %v", err)
	}
}

func TestRuntime_ExecuteScript_Timeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxScriptExecutionTime = 50 * time.Millisecond
	r := New(cfg)
	defer r.Close()

	_, err := r.ExecuteScript("infinite", "while (true) {}")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	rerr, ok := err.(*domain.RenderError)
	if !ok || rerr.Kind != domain.ErrTimeout {
		t.Fatalf("expected Timeout RenderError, got %v", err)
	}
}

func TestRuntime_ExecuteScript_TimeoutDoesNotCorruptRuntime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxScriptExecutionTime = 50 * time.Millisecond
	r := New(cfg)
	defer r.Close()

	if _, err := r.ExecuteScript("infinite", "while (true) {}"); err == nil {
		t.Fatal("expected timeout error")
	}

	val, err := r.ExecuteScript("after-timeout", "40 + 2")
	if err != nil {
		t.Fatalf("expected runtime to recover after timeout, got: %v", err)
	}
	if string(val) != "42" {
		t.Fatalf("expected '42', got '%s'", string(val))
	}
}

func TestRuntime_ExecuteScriptStreaming(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Close()

	sink := make(chan []byte, 8)
	val, err := r.ExecuteScriptStreaming("stream", `
		__emit(1);
		__emit(2);
		__emit(3);
		"done"
	`, sink)
	if err != nil {
		t.Fatalf("ExecuteScriptStreaming failed: %v", err)
	}
	if string(val) != `"done"` {
		t.Fatalf("expected '\"done\"', got '%s'", string(val))
	}
	close(sink)

	var chunks []string
	for c := range sink {
		chunks = append(chunks, string(c))
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 emitted chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != "1" || chunks[1] != "2" || chunks[2] != "3" {
		t.Fatalf("unexpected chunk contents: %v", chunks)
	}
}

func TestRuntime_LoadAndEvaluateModule(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Close()

	if err := r.AddModule("./greeter", `module.exports = { greeting: "hi" };`); err != nil {
		t.Fatalf("AddModule failed: %v", err)
	}

	moduleID, err := r.LoadModule("./greeter", "comp-1")
	if err != nil {
		t.Fatalf("LoadModule failed: %v", err)
	}
	if moduleID == "" {
		t.Fatal("expected non-empty module id")
	}

	val, err := r.EvaluateModule(moduleID)
	if err != nil {
		t.Fatalf("EvaluateModule failed: %v", err)
	}

	var exports map[string]string
	if err := json.Unmarshal(val, &exports); err != nil {
		t.Fatalf("failed to unmarshal exports: %v", err)
	}
	if exports["greeting"] != "hi" {
		t.Fatalf("expected greeting 'hi', got %q", exports["greeting"])
	}
}

func TestRuntime_EvaluateModule_Twice(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Close()

	if err := r.AddModule("./once", `module.exports = { n: 1 };`); err != nil {
		t.Fatalf("AddModule failed: %v", err)
	}
	moduleID, err := r.LoadModule("./once", "comp-1")
	if err != nil {
		t.Fatalf("LoadModule failed: %v", err)
	}
	if _, err := r.EvaluateModule(moduleID); err != nil {
		t.Fatalf("first EvaluateModule failed: %v", err)
	}

	_, err = r.EvaluateModule(moduleID)
	if err == nil {
		t.Fatal("expected error on second evaluation")
	}
	rerr, ok := err.(*domain.RenderError)
	if !ok || rerr.Kind != domain.ErrModuleAlreadyEvaluated {
		t.Fatalf("expected ModuleAlreadyEvaluated RenderError, got %v", err)
	}
	if !rerr.Retriable {
		t.Fatal("expected ModuleAlreadyEvaluated to be marked retriable")
	}
}

func TestRuntime_GetModuleNamespace_BeforeEvaluation(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Close()

	if err := r.AddModule("./lazy", `module.exports = { x: 1 };`); err != nil {
		t.Fatalf("AddModule failed: %v", err)
	}
	moduleID, err := r.LoadModule("./lazy", "comp-1")
	if err != nil {
		t.Fatalf("LoadModule failed: %v", err)
	}

	val, err := r.GetModuleNamespace(moduleID)
	if err != nil {
		t.Fatalf("GetModuleNamespace failed: %v", err)
	}
	if string(val) != "{}" {
		t.Fatalf("expected empty namespace before evaluation, got %q", string(val))
	}
}

func TestRuntime_LoadModule_NotRegistered(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Close()

	_, err := r.LoadModule("./nope", "comp-1")
	if err == nil {
		t.Fatal("expected error for unregistered specifier")
	}
	rerr, ok := err.(*domain.RenderError)
	if !ok || rerr.Kind != domain.ErrNotFound {
		t.Fatalf("expected NotFound RenderError, got %v", err)
	}
}

func TestRuntime_ClearCaches_ForcesRecompile(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Close()

	if err := r.AddModule("./mod", `module.exports = { v: 1 };`); err != nil {
		t.Fatalf("AddModule failed: %v", err)
	}
	id1, err := r.LoadModule("./mod", "comp-1")
	if err != nil {
		t.Fatalf("LoadModule failed: %v", err)
	}
	if _, err := r.EvaluateModule(id1); err != nil {
		t.Fatalf("EvaluateModule failed: %v", err)
	}

	if err := r.ClearCaches("comp-1"); err != nil {
		t.Fatalf("ClearCaches failed: %v", err)
	}

	// The old module id is gone; a new load+evaluate against updated code
	// should reflect the new source rather than any stale record.
	if err := r.AddModule("./mod", `module.exports = { v: 2 };`); err != nil {
		t.Fatalf("AddModule (update) failed: %v", err)
	}
	id2, err := r.LoadModule("./mod", "comp-1")
	if err != nil {
		t.Fatalf("LoadModule after clear failed: %v", err)
	}
	val, err := r.EvaluateModule(id2)
	if err != nil {
		t.Fatalf("EvaluateModule after clear failed: %v", err)
	}

	var exports map[string]int
	if err := json.Unmarshal(val, &exports); err != nil {
		t.Fatalf("failed to unmarshal exports: %v", err)
	}
	if exports["v"] != 2 {
		t.Fatalf("expected updated export v=2, got %d", exports["v"])
	}
}

func TestRuntime_SetRequestContext(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Close()

	ctx := &domain.RenderContext{
		Params:   map[string]string{"id": "42"},
		Pathname: "/posts/42",
	}
	if err := r.SetRequestContext(ctx); err != nil {
		t.Fatalf("SetRequestContext failed: %v", err)
	}

	val, err := r.ExecuteScript("read-context", "__RARI_CONTEXT__.pathname")
	if err != nil {
		t.Fatalf("ExecuteScript failed: %v", err)
	}
	if string(val) != `"/posts/42"` {
		t.Fatalf("expected pathname to be exposed, got %q", string(val))
	}
}

func TestRuntime_CloseRejectsSubsequentCommands(t *testing.T) {
	r := New(DefaultConfig())
	r.Close()

	_, err := r.ExecuteScript("after-close", "1")
	if err == nil {
		t.Fatal("expected error after Close")
	}
	rerr, ok := err.(*domain.RenderError)
	if !ok || rerr.Kind != domain.ErrExecutorClosed {
		t.Fatalf("expected ExecutorClosed RenderError, got %v", err)
	}
	if !rerr.Retriable {
		t.Fatal("expected ExecutorClosed to be marked retriable")
	}
}

func TestRuntime_CloseIsIdempotent(t *testing.T) {
	r := New(DefaultConfig())
	r.Close()
	r.Close()
}

func TestRuntime_Accounting(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Close()

	if _, err := r.ExecuteScript("a", "1"); err != nil {
		t.Fatalf("ExecuteScript failed: %v", err)
	}
	if _, err := r.ExecuteScript("b", "2"); err != nil {
		t.Fatalf("ExecuteScript failed: %v", err)
	}

	if got := r.TotalRenders(); got != 2 {
		t.Fatalf("expected TotalRenders == 2, got %d", got)
	}
	if got := r.ActiveRenders(); got != 0 {
		t.Fatalf("expected ActiveRenders == 0 once calls complete, got %d", got)
	}
}
