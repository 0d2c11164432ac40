package scriptrt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robertkrimen/otto"
	"github.com/rari-dev/rari/internal/domain"
	"github.com/rari-dev/rari/internal/logging"
)

func (r *Runtime) handleExecuteScript(cmd command) result {
	val, err := r.runWithLimits(cmd.code, r.cfg.MaxScriptExecutionTime, r.cfg.MaxMemoryPerComponent)
	if err != nil {
		return result{err: asScriptRuntimeError(cmd.name, err)}
	}
	js, err := valueToJSON(val)
	if err != nil {
		return result{err: asScriptRuntimeError(cmd.name, err)}
	}
	return result{value: js}
}

func (r *Runtime) handleExecuteFunction(cmd command) result {
	fnVal, err := r.vm.Get(cmd.name)
	if err != nil || !fnVal.IsFunction() {
		return result{err: &domain.RenderError{Kind: domain.ErrNotFound, Message: fmt.Sprintf("function %q not defined", cmd.name)}}
	}

	var args []any
	if len(cmd.args) > 0 {
		if err := json.Unmarshal(cmd.args, &args); err != nil {
			return result{err: &domain.RenderError{Kind: domain.ErrInvalidRequest, Message: "invalid function arguments: " + err.Error()}}
		}
	}
	callArgs := make([]any, len(args))
	copy(callArgs, args)

	val, callErr := fnVal.Call(otto.UndefinedValue(), callArgs...)
	if callErr != nil {
		return result{err: asScriptRuntimeError(cmd.name, callErr)}
	}
	js, err := valueToJSON(val)
	if err != nil {
		return result{err: asScriptRuntimeError(cmd.name, err)}
	}
	return result{value: js}
}

// handleExecuteScriptStreaming runs code with a global __emit(value) bound
// to cmd.sink, so a script can push multiple chunks before its top-level
// evaluation completes (spec.md §4.A's execute_script_streaming).
func (r *Runtime) handleExecuteScriptStreaming(cmd command) result {
	_ = r.vm.Set("__emit", func(call otto.FunctionCall) otto.Value {
		js, err := valueToJSON(call.Argument(0))
		if err != nil {
			logging.Op().Warn("scriptrt: stream emit value not serializable", "error", err)
			return otto.UndefinedValue()
		}
		select {
		case cmd.sink <- js:
		default:
			logging.Op().Warn("scriptrt: stream sink full, dropping chunk")
		}
		return otto.UndefinedValue()
	})
	defer r.vm.Set("__emit", otto.UndefinedValue())

	val, err := r.runWithLimits(cmd.code, r.cfg.MaxScriptExecutionTime, r.cfg.MaxMemoryPerComponent)
	if err != nil {
		return result{err: asScriptRuntimeError(cmd.name, err)}
	}
	js, err := valueToJSON(val)
	if err != nil {
		return result{err: asScriptRuntimeError(cmd.name, err)}
	}
	return result{value: js}
}

// handleLoadModule compiles (but does not evaluate) the code registered for
// specifier under a CommonJS-style module/exports wrapper (no require), and
// assigns it a fresh module id. Evaluation happens in handleEvaluateModule,
// matching spec.md §4.A's separation of load_module and evaluate_module.
func (r *Runtime) handleLoadModule(cmd command) result {
	code, ok := r.store.GetModuleCode(cmd.specifier)
	if !ok {
		return result{err: &domain.RenderError{Kind: domain.ErrNotFound, Message: "module not registered: " + cmd.specifier}}
	}

	wrapped := fmt.Sprintf(
		"(function(module, exports) {\n%s\nreturn module.exports;\n})({exports:{}}, {})",
		code,
	)
	script, err := r.vm.Compile(cmd.specifier, wrapped)
	if err != nil {
		return result{err: &domain.RenderError{Kind: domain.ErrScriptRuntime, Message: err.Error()}}
	}

	r.nextModuleID++
	moduleID := fmt.Sprintf("m%d", r.nextModuleID)
	r.modules[moduleID] = &moduleRecord{
		specifier:   cmd.specifier,
		componentID: cmd.componentID,
		script:      script,
	}
	return result{moduleID: moduleID}
}

// handleEvaluateModule runs a previously-loaded module's top-level code
// exactly once. A second call fails with ModuleAlreadyEvaluated per
// spec.md §4.A.
func (r *Runtime) handleEvaluateModule(cmd command) result {
	rec, ok := r.modules[cmd.moduleID]
	if !ok {
		return result{err: &domain.RenderError{Kind: domain.ErrNotFound, Message: "unknown module id: " + cmd.moduleID}}
	}
	if rec.evaluated {
		return result{err: &domain.RenderError{Kind: domain.ErrModuleAlreadyEvaluated, Message: "module already evaluated: " + cmd.moduleID, Retriable: true}}
	}

	val, err := r.runScriptValue(rec.script)
	if err != nil {
		return result{err: asScriptRuntimeError(rec.specifier, err)}
	}
	js, err := valueToJSON(val)
	if err != nil {
		return result{err: asScriptRuntimeError(rec.specifier, err)}
	}
	rec.evaluated = true
	rec.exports = js
	rec.liveExports = val
	return result{value: js}
}

// handleBindComponentEntry resolves cmd.moduleID's callable entry point (its
// exports.default if present, else exports itself) and installs it as a
// property of the global __rari_components object under cmd.componentID, so
// the Renderer can later invoke it by component id through ExecuteFunction-
// style dispatch without re-exporting a function through JSON.
func (r *Runtime) handleBindComponentEntry(cmd command) result {
	rec, ok := r.modules[cmd.moduleID]
	if !ok {
		return result{err: &domain.RenderError{Kind: domain.ErrNotFound, Message: "unknown module id: " + cmd.moduleID}}
	}
	if !rec.evaluated {
		return result{err: &domain.RenderError{Kind: domain.ErrInvalidRequest, Message: "module not yet evaluated: " + cmd.moduleID}}
	}

	entry := rec.liveExports
	if obj := entry.Object(); obj != nil {
		if def, err := obj.Get("default"); err == nil && def.IsFunction() {
			entry = def
		}
	}
	if !entry.IsFunction() {
		return result{err: &domain.RenderError{Kind: domain.ErrInvalidRequest, Message: "module has no callable default export: " + rec.specifier}}
	}

	compsVal, err := r.vm.Get("__rari_components")
	if err != nil {
		return result{err: &domain.RenderError{Kind: domain.ErrInternal, Message: err.Error()}}
	}
	compsObj := compsVal.Object()
	if compsObj == nil {
		return result{err: &domain.RenderError{Kind: domain.ErrInternal, Message: "__rari_components global is not an object"}}
	}
	if err := compsObj.Set(cmd.componentID, entry); err != nil {
		return result{err: &domain.RenderError{Kind: domain.ErrInternal, Message: err.Error()}}
	}
	return result{}
}

func (r *Runtime) handleGetModuleNamespace(cmd command) result {
	rec, ok := r.modules[cmd.moduleID]
	if !ok {
		return result{err: &domain.RenderError{Kind: domain.ErrNotFound, Message: "unknown module id: " + cmd.moduleID}}
	}
	if !rec.evaluated {
		return result{value: json.RawMessage("{}")}
	}
	return result{value: rec.exports}
}

func (r *Runtime) handleAddModule(cmd command) result {
	if err := r.store.AddModule(cmd.specifier, cmd.code); err != nil {
		return result{err: &domain.RenderError{Kind: domain.ErrInternal, Message: err.Error()}}
	}
	return result{}
}

// handleClearCaches drops every loaded module record associated with
// componentID, forcing the next load_module/evaluate_module pair to recompile
// from the module store's current entry. The reload path does not call it:
// Renderer.RegisterComponent loads a fresh module id and rebinds the entry.
func (r *Runtime) handleClearCaches(cmd command) result {
	for id, rec := range r.modules {
		if cmd.componentID == "" || rec.componentID == cmd.componentID {
			delete(r.modules, id)
		}
	}
	return result{}
}

func (r *Runtime) handleSetRequestContext(cmd command) result {
	r.reqCtx = cmd.ctx
	js, err := json.Marshal(cmd.ctx)
	if err != nil {
		return result{err: &domain.RenderError{Kind: domain.ErrInternal, Message: err.Error()}}
	}
	if err := r.vm.Set("__rari_context", string(js)); err != nil {
		return result{err: &domain.RenderError{Kind: domain.ErrInternal, Message: err.Error()}}
	}
	if _, err := r.vm.Run(`var __RARI_CONTEXT__ = JSON.parse(__rari_context);`); err != nil {
		return result{err: &domain.RenderError{Kind: domain.ErrInternal, Message: err.Error()}}
	}
	return result{}
}

// runScriptValue wraps vm.Run with the same script-time budget as
// runWithLimits, for a pre-compiled *otto.Script instead of source text.
// The soft heap-growth check of runWithLimits is not applied here.
func (r *Runtime) runScriptValue(script *otto.Script) (val otto.Value, err error) {
	defer func() {
		if caught := recover(); caught != nil {
			if caught == errHalt {
				err = &domain.RenderError{Kind: domain.ErrTimeout, Message: "module evaluation exceeded resource budget"}
				return
			}
			panic(caught)
		}
	}()
	r.activeRenders.Add(1)
	defer r.activeRenders.Add(-1)
	r.totalRenders.Add(1)
	if r.cfg.MaxScriptExecutionTime > 0 {
		timer := time.AfterFunc(r.cfg.MaxScriptExecutionTime, func() {
			select {
			case r.vm.Interrupt <- func() { panic(errHalt) }:
			default:
			}
		})
		defer timer.Stop()
	}
	return r.vm.Run(script)
}

// asScriptRuntimeError wraps a raw otto error into the ScriptRuntime taxonomy
// member spec.md §7 requires ("script error, stack available"). otto does
// not expose a separate stack-trace type for thrown JS exceptions; its
// error's message already includes the JS-side error text, which is carried
// as both Message and Stack here so the Gateway's stack-available contract
// is satisfied even though otto cannot produce a frame-by-frame trace.
func asScriptRuntimeError(name string, err error) error {
	if rerr, ok := err.(*domain.RenderError); ok {
		return rerr
	}
	return &domain.RenderError{Kind: domain.ErrScriptRuntime, Message: name + ": " + err.Error(), Stack: err.Error()}
}
