// Package scriptrt implements the embedded script runtime that executes
// component code. Each Runtime wraps a single otto.Otto VM pinned to one
// goroutine ("the runtime thread"); every other goroutine talks to it
// exclusively through a command channel with a oneshot reply channel per
// command, matching the cooperative single-threaded event loop spec.md §4.A
// and §5 require. See _examples/firasghr-GoSessionEngine/jschallenge/solver.go
// for the otto binding pattern this is grounded on. Module source itself is
// not kept in a runtime-local map: add_module/load_module delegate to an
// internal/modulestore.Store, which is the actual module source of truth
// (spec.md §4.B).
package scriptrt

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robertkrimen/otto"
	"github.com/rari-dev/rari/internal/domain"
	"github.com/rari-dev/rari/internal/logging"
	"github.com/rari-dev/rari/internal/modulestore"
)

// Config tunes the per-runtime resource limits from spec.md §6.
type Config struct {
	MaxScriptExecutionTime time.Duration // default 3000ms
	MaxMemoryPerComponent  uint64        // bytes; 0 disables the soft memory check
	CommandQueueSize       int           // default 64
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		MaxScriptExecutionTime: 3000 * time.Millisecond,
		MaxMemoryPerComponent:  50 * 1024 * 1024,
		CommandQueueSize:       64,
	}
}

// errHalt is the sentinel panic value used to unwind a running otto script
// via its Interrupt channel. It must never escape runWithLimits.
var errHalt = errors.New("scriptrt: halted")

// moduleRecord tracks one module loaded via LoadModule, keyed by an
// internally-generated module id distinct from its specifier.
type moduleRecord struct {
	specifier   string
	componentID string
	script      *otto.Script
	evaluated   bool
	exports     json.RawMessage
	// liveExports holds the evaluated module.exports value itself, kept
	// alongside its JSON projection (exports) so a caller can bind a
	// concrete function from it (BindComponentEntry) without a function
	// value having to survive a JSON round-trip, which otto cannot do.
	liveExports otto.Value
}

// Runtime is a single embedded script runtime instance. The zero value is
// not usable; construct with New.
type Runtime struct {
	cfg Config

	mu     sync.RWMutex // guards closed; does not protect vm state (single goroutine owns that)
	closed bool
	cmds   chan command

	vm           *otto.Otto
	store        *modulestore.Store // module source of truth for load_module/add_module/get_code
	modules      map[string]*moduleRecord
	nextModuleID uint64
	reqCtx       *domain.RenderContext

	activeRenders atomic.Int64
	totalRenders  atomic.Int64
	totalErrors   atomic.Int64
}

type commandKind int

const (
	cmdExecuteScript commandKind = iota
	cmdExecuteFunction
	cmdExecuteScriptStreaming
	cmdLoadModule
	cmdEvaluateModule
	cmdGetModuleNamespace
	cmdAddModule
	cmdClearCaches
	cmdSetRequestContext
	cmdBindComponentEntry
)

type command struct {
	kind commandKind

	name        string
	code        string
	args        json.RawMessage
	specifier   string
	componentID string
	moduleID    string
	ctx         *domain.RenderContext
	sink        chan<- []byte

	reply chan result
}

type result struct {
	value    json.RawMessage
	moduleID string
	err      error
}

// New starts the runtime's dedicated goroutine and returns immediately.
// Close must be called to stop it.
func New(cfg Config) *Runtime {
	if cfg.MaxScriptExecutionTime <= 0 {
		cfg.MaxScriptExecutionTime = DefaultConfig().MaxScriptExecutionTime
	}
	if cfg.CommandQueueSize <= 0 {
		cfg.CommandQueueSize = DefaultConfig().CommandQueueSize
	}
	r := &Runtime{
		cfg:     cfg,
		cmds:    make(chan command, cfg.CommandQueueSize),
		store:   modulestore.New(modulestore.Config{}),
		modules: make(map[string]*moduleRecord),
	}
	go r.run()
	return r
}

// Close stops accepting new commands and terminates the runtime goroutine
// once any in-flight command finishes. Safe to call more than once.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.cmds)
}

// ActiveRenders, TotalRenders, TotalErrors are the resource accounting
// accessors named by spec.md §4.D, exposed here since the runtime is where
// execution actually happens; the Renderer reads them for its metrics.
func (r *Runtime) ActiveRenders() int64 { return r.activeRenders.Load() }
func (r *Runtime) TotalRenders() int64  { return r.totalRenders.Load() }
func (r *Runtime) TotalErrors() int64   { return r.totalErrors.Load() }

// submit hands a command to the runtime thread and blocks for its reply.
// Returns ExecutorClosed if the channel is already closed, matching
// spec.md §4.A's "fails with ExecutorClosed when the runtime's command
// channel is closed".
func (r *Runtime) submit(cmd command) (result, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return result{}, closedErr()
	}
	reply := make(chan result, 1)
	cmd.reply = reply
	select {
	case r.cmds <- cmd:
		r.mu.RUnlock()
	default:
		// Queue full: re-check closed under a fresh read lock, then block on
		// the send while holding it, so Close() waits for the send to be
		// accepted and never closes the channel under a pending send.
		r.mu.RUnlock()
		r.mu.RLock()
		if r.closed {
			r.mu.RUnlock()
			return result{}, closedErr()
		}
		r.cmds <- cmd
		r.mu.RUnlock()
	}
	res, ok := <-reply
	if !ok {
		return result{}, closedErr()
	}
	return res, res.err
}

func closedErr() error {
	return &domain.RenderError{Kind: domain.ErrExecutorClosed, Message: "runtime command channel is closed", Retriable: true}
}

// run is the body of the dedicated runtime goroutine. Only this goroutine
// ever touches r.vm, r.modules, r.store, satisfying the
// single-threaded cooperative event loop requirement.
func (r *Runtime) run() {
	r.vm = otto.New()
	r.vm.Interrupt = make(chan func(), 1)
	installGlobals(r.vm)

	for cmd := range r.cmds {
		res := r.dispatch(cmd)
		cmd.reply <- res
		close(cmd.reply)
	}
}

func (r *Runtime) dispatch(cmd command) result {
	switch cmd.kind {
	case cmdExecuteScript:
		return r.handleExecuteScript(cmd)
	case cmdExecuteFunction:
		return r.handleExecuteFunction(cmd)
	case cmdExecuteScriptStreaming:
		return r.handleExecuteScriptStreaming(cmd)
	case cmdLoadModule:
		return r.handleLoadModule(cmd)
	case cmdEvaluateModule:
		return r.handleEvaluateModule(cmd)
	case cmdGetModuleNamespace:
		return r.handleGetModuleNamespace(cmd)
	case cmdAddModule:
		return r.handleAddModule(cmd)
	case cmdClearCaches:
		return r.handleClearCaches(cmd)
	case cmdSetRequestContext:
		return r.handleSetRequestContext(cmd)
	case cmdBindComponentEntry:
		return r.handleBindComponentEntry(cmd)
	default:
		return result{err: fmt.Errorf("scriptrt: unknown command kind %d", cmd.kind)}
	}
}

// runWithLimits executes code on the runtime thread with the configured
// script-time budget and, when memLimit > 0, a best-effort heap-growth
// check. otto has no native per-VM memory isolation (all VMs share the Go
// heap), so the memory check is a soft approximation: it samples
// runtime.MemStats.HeapAlloc on a ticker and interrupts the script if the
// delta since the call started crosses memLimit, rather than enforcing a
// hard ceiling. See SPEC_FULL.md §9 for the Open Question this resolves.
func (r *Runtime) runWithLimits(code string, timeout time.Duration, memLimit uint64) (val otto.Value, err error) {
	r.activeRenders.Add(1)
	defer r.activeRenders.Add(-1)
	r.totalRenders.Add(1)

	stop := make(chan struct{})
	defer close(stop)

	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			select {
			case r.vm.Interrupt <- func() { panic(errHalt) }:
			default:
			}
		})
		defer timer.Stop()
	}

	if memLimit > 0 {
		var base runtime.MemStats
		runtime.ReadMemStats(&base)
		baseline := base.HeapAlloc
		go func() {
			ticker := time.NewTicker(10 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					var m runtime.MemStats
					runtime.ReadMemStats(&m)
					if m.HeapAlloc > baseline && m.HeapAlloc-baseline > memLimit {
						select {
						case r.vm.Interrupt <- func() { panic(errHalt) }:
						default:
						}
						return
					}
				}
			}
		}()
	}

	defer func() {
		if caught := recover(); caught != nil {
			if caught == errHalt {
				r.totalErrors.Add(1)
				err = &domain.RenderError{Kind: domain.ErrTimeout, Message: "script execution exceeded resource budget"}
				return
			}
			panic(caught)
		}
	}()

	return r.vm.Run(code)
}

// installGlobals seeds the minimal component-language globals every render
// needs before user code runs (grounded on the browser-global bootstrap
// style of firasghr-GoSessionEngine's NewOttoSolver): a console shim whose
// log/warn/error methods discard their arguments, an empty __rari_modules
// object, and __rari_log(message), which writes to the operational logger
// at debug level.
func installGlobals(vm *otto.Otto) {
	bootstrap := `
var console = {
	log: function() {},
	warn: function() {},
	error: function() {}
};
var __rari_modules = {};
`
	if _, err := vm.Run(bootstrap); err != nil {
		logging.Op().Error("scriptrt: bootstrap globals failed", "error", err)
	}
	_ = vm.Set("__rari_log", func(call otto.FunctionCall) otto.Value {
		msg, _ := call.Argument(0).ToString()
		logging.Op().Debug("script console", "message", msg)
		return otto.UndefinedValue()
	})
}

// valueToJSON converts an otto.Value to its JSON representation via Export,
// matching the "→ JSON" return contract spec.md §4.A describes for every
// execute/evaluate operation.
func valueToJSON(val otto.Value) (json.RawMessage, error) {
	exported, err := val.Export()
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(exported)
	if err != nil {
		return nil, err
	}
	return b, nil
}
