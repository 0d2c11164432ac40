package scriptrt

import (
	"encoding/json"

	"github.com/rari-dev/rari/internal/domain"
)

// ExecuteScript runs code and returns its final expression value as JSON.
func (r *Runtime) ExecuteScript(name, code string) (json.RawMessage, error) {
	res, err := r.submit(command{kind: cmdExecuteScript, name: name, code: code})
	if err != nil {
		return nil, err
	}
	return res.value, nil
}

// ExecuteFunction calls a previously-defined global function by name with
// JSON-encoded args and returns its result as JSON.
func (r *Runtime) ExecuteFunction(name string, args json.RawMessage) (json.RawMessage, error) {
	res, err := r.submit(command{kind: cmdExecuteFunction, name: name, args: args})
	if err != nil {
		return nil, err
	}
	return res.value, nil
}

// ExecuteScriptStreaming runs code whose body may call a runtime-provided
// __emit(value) any number of times; each call forwards a JSON-encoded chunk
// onto sink without blocking, and the chunk is dropped with a warning when
// sink is full. The final expression value is returned as JSON once the script
// completes, as with ExecuteScript.
func (r *Runtime) ExecuteScriptStreaming(name, code string, sink chan<- []byte) (json.RawMessage, error) {
	res, err := r.submit(command{kind: cmdExecuteScriptStreaming, name: name, code: code, sink: sink})
	if err != nil {
		return nil, err
	}
	return res.value, nil
}

// LoadModule compiles the code previously registered for specifier (via
// AddModule) without evaluating it, and returns a module id for later use
// with EvaluateModule/GetModuleNamespace.
func (r *Runtime) LoadModule(specifier, componentID string) (string, error) {
	res, err := r.submit(command{kind: cmdLoadModule, specifier: specifier, componentID: componentID})
	if err != nil {
		return "", err
	}
	return res.moduleID, nil
}

// EvaluateModule runs a loaded module's top-level code exactly once.
func (r *Runtime) EvaluateModule(moduleID string) (json.RawMessage, error) {
	res, err := r.submit(command{kind: cmdEvaluateModule, moduleID: moduleID})
	if err != nil {
		return nil, err
	}
	return res.value, nil
}

// GetModuleNamespace returns a module's current exports without forcing
// evaluation; returns an empty object if the module has not evaluated yet.
func (r *Runtime) GetModuleNamespace(moduleID string) (json.RawMessage, error) {
	res, err := r.submit(command{kind: cmdGetModuleNamespace, moduleID: moduleID})
	if err != nil {
		return nil, err
	}
	return res.value, nil
}

// AddModule registers source code for specifier so a later LoadModule call
// can compile it. Re-adding a specifier replaces its code; existing loaded
// module records for it are unaffected until ClearCaches runs.
func (r *Runtime) AddModule(specifier, code string) error {
	_, err := r.submit(command{kind: cmdAddModule, specifier: specifier, code: code})
	return err
}

// ClearCaches drops loaded module records for componentID (or all modules,
// if componentID is empty), forcing recompilation from the latest
// registered source on next load.
func (r *Runtime) ClearCaches(componentID string) error {
	_, err := r.submit(command{kind: cmdClearCaches, componentID: componentID})
	return err
}

// BindComponentEntry resolves moduleID's default export and installs it as
// the callable bound to componentID, so a later ExecuteFunction(componentID,
// ...) call reaches it directly.
func (r *Runtime) BindComponentEntry(moduleID, componentID string) error {
	_, err := r.submit(command{kind: cmdBindComponentEntry, moduleID: moduleID, componentID: componentID})
	return err
}

// SetRequestContext installs ctx as the runtime's current render context,
// exposing it to script code as the global __RARI_CONTEXT__.
func (r *Runtime) SetRequestContext(ctx *domain.RenderContext) error {
	_, err := r.submit(command{kind: cmdSetRequestContext, ctx: ctx})
	return err
}
