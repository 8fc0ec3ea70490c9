package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v14"
)

// RuntimeConfig tunes the Wasm engine shared by every execution.
type RuntimeConfig struct {
	EnableFuel      bool
	EnableCache     bool
	MaxIOSize       int
	DetailedMetrics bool
}

// DefaultRuntimeConfig mirrors the original engine's defaults: fuel
// metering on, a 1MiB input/output ceiling. EnableCache and DetailedMetrics
// are set as well, but NewExecutor does not read either of them: no
// compilation cache is configured on the engine.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		EnableFuel:      true,
		EnableCache:     true,
		MaxIOSize:       1024 * 1024,
		DetailedMetrics: true,
	}
}

// inputMemoryOffset is where an execution's input bytes are written inside
// guest linear memory, leaving the first 1024 bytes for the module's own
// data segments.
const inputMemoryOffset = 1024

// Executor compiles, sandboxes, and runs capsules, producing execution
// receipts.
type Executor struct {
	config    RuntimeConfig
	validator *Validator
	engine    *wasmtime.Engine
	signer    *Signer

	mu      sync.Mutex
	nonce   uint64
	metrics AggregateMetrics
}

// NewExecutor builds an Executor that signs receipts with signer and
// enforces cfg.
func NewExecutor(cfg RuntimeConfig, signer *Signer) *Executor {
	wcfg := wasmtime.NewConfig()
	wcfg.SetWasmSIMD(false)
	wcfg.SetWasmMultiValue(false)
	wcfg.SetWasmBulkMemory(false)
	wcfg.SetConsumeFuel(cfg.EnableFuel)
	wcfg.SetEpochInterruption(true)

	return &Executor{
		config:    cfg,
		validator: NewValidator(DefaultValidatorConfig()),
		engine:    wasmtime.NewEngineWithConfig(wcfg),
		signer:    signer,
	}
}

// Metrics returns a snapshot of accumulated aggregate statistics.
func (e *Executor) Metrics() AggregateMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// Execute validates, sandboxes, and runs capsule against input, returning a
// signed ExecutionReceipt. ctx governs cancellation in addition to the
// limits' own wall-clock deadline; whichever fires first wins.
func (e *Executor) Execute(ctx context.Context, capsule Capsule, input []byte, limits ResourceLimits) (*ExecutionReceipt, error) {
	if len(input) > e.config.MaxIOSize {
		return nil, newError(ErrIO, "input exceeds configured max_io_size")
	}

	result := e.validator.Validate(capsule)
	if !result.IsValid {
		return nil, result.Errors[0]
	}

	sandbox := NewSandbox(limits)

	module, err := wasmtime.NewModule(e.engine, capsule.Bytes)
	if err != nil {
		return nil, wrapError(ErrCompilationFailed, "module failed to compile", err)
	}

	// capsuleID/inputCommit/nonce are fixed before the module ever runs: the
	// host ABI's PRNG is seeded from them, so the same triple must be known
	// to both the execution and the receipt it produces.
	capsuleID := blake3Hex(capsule.Bytes)
	inputCommit := blake3Hex(input)
	e.mu.Lock()
	nonce := e.nonce
	e.nonce++
	e.mu.Unlock()

	deadline := time.Duration(limits.ExecutionTimeMS) * time.Millisecond
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := now()
	output, fuelUsed, memoryMB, execErr := e.runModule(execCtx, module, sandbox, input, limits, capsuleID, inputCommit, nonce)
	duration := now().Sub(start)

	if execErr != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			observeExecutionMetrics("timeout", nil)
			return nil, newError(ErrTimeout, "execution exceeded the configured deadline")
		}
		observeExecutionMetrics("error", nil)
		return nil, execErr
	}

	metrics := ExecMetrics{
		FuelUsed:          fuelUsed,
		MemoryMB:          memoryMB,
		DurationMS:        uint64(duration.Milliseconds()),
		HostFunctionCalls: sandbox.HostFunctionCallCount(),
	}
	observeExecutionMetrics("success", &metrics)

	e.mu.Lock()
	e.metrics.Observe(metrics)
	e.mu.Unlock()

	receipt, err := NewReceipt(capsule.Bytes, input, output, metrics, e.signer, nonce)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// runModule instantiates module inside store, feeds it input via guest
// memory, invokes its "run" export, and decodes the packed result pointer.
// capsuleID, inputCommit, and nonce seed the host ABI's deterministic PRNG.
func (e *Executor) runModule(ctx context.Context, module *wasmtime.Module, sandbox *Sandbox, input []byte, limits ResourceLimits, capsuleID, inputCommit string, nonce uint64) ([]byte, uint64, float64, error) {
	store := wasmtime.NewStore(e.engine)
	store.SetEpochDeadline(1)
	if e.config.EnableFuel {
		if err := store.AddFuel(limits.FuelLimit); err != nil {
			return nil, 0, 0, wrapError(ErrResourceLimit, "failed to set fuel limit", err)
		}
	}

	limiter := wasmtime.NewLimiter(
		int64(limits.MemoryLimitMB)*1024*1024,
		-1,
		-1,
		-1,
		-1,
	)
	store.Limiter(limiter)

	linker := wasmtime.NewLinker(e.engine)
	abi := &hostABI{
		sandbox:     sandbox,
		store:       store,
		fuelEnabled: e.config.EnableFuel,
		prng:        newPRNGStream(capsuleID, inputCommit, nonce),
	}
	if err := abi.register(linker); err != nil {
		return nil, 0, 0, wrapError(ErrInvalidModule, "failed to register host functions", err)
	}

	instance, err := e.instantiate(ctx, linker, store, module)
	if err != nil {
		return nil, 0, 0, err
	}

	mem := instance.GetExport(store, "memory").Memory()
	abi.memory = mem

	run := instance.GetExport(store, "run").Func()
	if run == nil {
		return nil, 0, 0, newError(ErrMissingExport, "module does not export run")
	}

	data := mem.UnsafeData(store)
	if inputMemoryOffset+len(input) > len(data) {
		return nil, 0, 0, newError(ErrResourceLimit, "input does not fit in guest memory")
	}
	copy(data[inputMemoryOffset:], input)

	// A background tick advances the store's epoch the moment ctx is done,
	// tripping the epoch deadline set above and interrupting whatever Wasm
	// code is running inside run.Call below, however deep in the guest's
	// own loops it is.
	tickDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.engine.IncrementEpoch()
		case <-tickDone:
		}
	}()
	defer close(tickDone)

	val, callErr := run.Call(store, int32(inputMemoryOffset), int32(len(input)))
	r := runResult{val: val, err: callErr}

	{
		if r.err != nil {
			if ctx.Err() != nil {
				return nil, 0, 0, newError(ErrTimeout, "execution interrupted at deadline")
			}
			if trap, ok := r.err.(*wasmtime.Trap); ok {
				if code := trap.Code(); code != nil {
					switch *code {
					case wasmtime.OutOfFuel:
						return nil, 0, 0, newError(ErrResourceLimit, "execution exhausted its fuel budget")
					case wasmtime.MemoryOutOfBounds:
						return nil, 0, 0, newError(ErrResourceLimit, "execution exceeded its memory limit")
					}
				}
			}
			return nil, 0, 0, wrapError(ErrTrap, "run trapped", r.err)
		}
		packed, ok := r.val.(int32)
		if !ok {
			return nil, 0, 0, newError(ErrInvalidModule, "run did not return an i32")
		}
		outputLen := int(uint32(packed) >> 16)
		outputPtr := int(uint32(packed) & 0xFFFF)

		if outputLen > e.config.MaxIOSize {
			return nil, 0, 0, newError(ErrResourceLimit, "output exceeds configured max_io_size")
		}

		mem2 := mem.UnsafeData(store)
		if outputPtr+outputLen > len(mem2) {
			return nil, 0, 0, newError(ErrResourceLimit, "run returned an out-of-bounds output region")
		}
		output := make([]byte, outputLen)
		copy(output, mem2[outputPtr:outputPtr+outputLen])

		var fuelUsed uint64
		if e.config.EnableFuel {
			consumed, _ := store.FuelConsumed()
			fuelUsed = consumed
		}
		memoryMB := float64(len(mem2)) / (1024 * 1024)
		return output, fuelUsed, memoryMB, nil
	}
}

type runResult struct {
	val interface{}
	err error
}

func (e *Executor) instantiate(ctx context.Context, linker *wasmtime.Linker, store *wasmtime.Store, module *wasmtime.Module) (*wasmtime.Instance, error) {
	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return nil, wrapError(ErrInvalidModule, "instantiation failed", err)
	}
	return instance, nil
}
