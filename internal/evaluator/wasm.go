package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Deterministic fault reason codes for guest evaluator failures.
const (
	FaultModuleNotFound = "WASM_MODULE_NOT_FOUND"
	FaultTimeout        = "WASM_TIMEOUT"
	FaultMemoryExceeded = "WASM_MEMORY_EXCEEDED"
	FaultNoExport       = "WASM_NO_EXPORT"
	FaultExecError      = "WASM_FAULT"
	FaultBadResult      = "WASM_BAD_RESULT"
)

// WASMFault is a structured error emitted by guest evaluator invocations.
type WASMFault struct {
	Reason string
	Module string
	Detail string
}

func (e *WASMFault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", e.Reason, e.Module, e.Detail)
}

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 160

// DefaultEvalTimeout is the wall-clock limit for a single guest evaluation.
const DefaultEvalTimeout = 10 * time.Second

// wasmRequest is the JSON payload passed into the guest.
type wasmRequest struct {
	Expected string `json:"expected"`
	Observed string `json:"observed"`
}

// WASMEvaluator runs a sandboxed guest module as the verdict judge. The guest
// must export:
//
//	alloc(size i32) -> ptr i32
//	evaluate(ptr i32, len i32) -> i64
//
// The host writes a JSON request into guest memory at the allocated pointer,
// and the returned i64 packs the result location as ptr<<32 | len. The result
// bytes decode as an Evaluation.
type WASMEvaluator struct {
	runtime     wazero.Runtime
	module      api.Module
	moduleName  string
	evalTimeout time.Duration
	logger      *slog.Logger
}

// WASMConfig tunes guest resource limits.
type WASMConfig struct {
	// MemoryLimitPages caps guest memory (1 page = 64KB). 0 uses DefaultMemoryLimitPages.
	MemoryLimitPages uint32
	// EvalTimeout caps wall-clock time per evaluation. 0 uses DefaultEvalTimeout.
	EvalTimeout time.Duration
	Logger      *slog.Logger
}

// NewWASMEvaluator compiles and instantiates the guest module at path.
func NewWASMEvaluator(ctx context.Context, path string, cfg WASMConfig) (*WASMEvaluator, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	evalTimeout := cfg.EvalTimeout
	if evalTimeout == 0 {
		evalTimeout = DefaultEvalTimeout
	}

	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, &WASMFault{Reason: FaultModuleNotFound, Module: path, Detail: err.Error()}
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("compile evaluator module %s: %w", path, err)
	}
	module, err := runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("evaluator"))
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate evaluator module %s: %w", path, err)
	}

	ev := &WASMEvaluator{
		runtime:     runtime,
		module:      module,
		moduleName:  path,
		evalTimeout: evalTimeout,
		logger:      cfg.Logger,
	}
	if module.ExportedFunction("alloc") == nil || module.ExportedFunction("evaluate") == nil {
		_ = ev.Close(ctx)
		return nil, &WASMFault{Reason: FaultNoExport, Module: path, Detail: "guest must export alloc and evaluate"}
	}
	cfg.Logger.Info("wasm evaluator loaded", "module", path, "memory_limit_pages", memPages)
	return ev, nil
}

// Close releases the guest module and its runtime.
func (e *WASMEvaluator) Close(ctx context.Context) error {
	_ = e.module.Close(ctx)
	return e.runtime.Close(ctx)
}

// Evaluate marshals the pair into guest memory, invokes the guest judge and
// decodes its packed result.
func (e *WASMEvaluator) Evaluate(ctx context.Context, expected, observed string) (Evaluation, error) {
	payload, err := json.Marshal(wasmRequest{Expected: expected, Observed: observed})
	if err != nil {
		return Evaluation{}, fmt.Errorf("marshal evaluator request: %w", err)
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.evalTimeout)
	defer cancel()

	allocFn := e.module.ExportedFunction("alloc")
	results, err := allocFn.Call(evalCtx, uint64(len(payload)))
	if err != nil {
		return Evaluation{}, e.classifyFault(err)
	}
	if len(results) == 0 {
		return Evaluation{}, &WASMFault{Reason: FaultBadResult, Module: e.moduleName, Detail: "alloc returned no value"}
	}
	ptr := uint32(results[0])
	if !e.module.Memory().Write(ptr, payload) {
		return Evaluation{}, &WASMFault{Reason: FaultMemoryExceeded, Module: e.moduleName, Detail: "failed to write request into guest memory"}
	}

	evalFn := e.module.ExportedFunction("evaluate")
	results, err = evalFn.Call(evalCtx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return Evaluation{}, e.classifyFault(err)
	}
	if len(results) == 0 {
		return Evaluation{}, &WASMFault{Reason: FaultBadResult, Module: e.moduleName, Detail: "evaluate returned no value"}
	}

	// The guest packs its result location as ptr<<32 | len.
	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed & 0xFFFFFFFF)
	if outLen == 0 {
		return Evaluation{}, &WASMFault{Reason: FaultBadResult, Module: e.moduleName, Detail: "evaluate returned empty result"}
	}
	data, ok := e.module.Memory().Read(outPtr, outLen)
	if !ok {
		return Evaluation{}, &WASMFault{Reason: FaultBadResult, Module: e.moduleName, Detail: "result pointer out of guest memory bounds"}
	}

	var ev Evaluation
	if err := json.Unmarshal(data, &ev); err != nil {
		return Evaluation{}, &WASMFault{Reason: FaultBadResult, Module: e.moduleName, Detail: fmt.Sprintf("decode result: %s", err)}
	}
	if ev.Verdict != VerdictPass && ev.Verdict != VerdictFail {
		return Evaluation{}, &WASMFault{Reason: FaultBadResult, Module: e.moduleName, Detail: fmt.Sprintf("unknown verdict %q", ev.Verdict)}
	}
	return ev, nil
}

func (e *WASMEvaluator) classifyFault(err error) *WASMFault {
	if errors.Is(err, context.DeadlineExceeded) {
		return &WASMFault{Reason: FaultTimeout, Module: e.moduleName, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &WASMFault{Reason: FaultTimeout, Module: e.moduleName, Detail: "canceled"}
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &WASMFault{Reason: FaultTimeout, Module: e.moduleName, Detail: err.Error()}
	}
	errMsg := err.Error()
	if strings.Contains(errMsg, "memory") {
		return &WASMFault{Reason: FaultMemoryExceeded, Module: e.moduleName, Detail: errMsg}
	}
	return &WASMFault{Reason: FaultExecError, Module: e.moduleName, Detail: errMsg}
}
