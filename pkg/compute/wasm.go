package compute

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/kamalbuilds/PrivateInsight/pkg/content"
)

// Deterministic error codes for sandbox limit violations.
const (
	ErrComputeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrComputeMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	ErrComputeOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
)

// OutputMaxBytes caps stdout+stderr from a single sandbox execution.
const OutputMaxBytes = 1024 * 1024

// SandboxError is a deterministic, typed error for sandbox violations.
type SandboxError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// SandboxConfig configures resource limits for WASI execution.
type SandboxConfig struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
}

// WasmRunner executes circuit binaries under wazero with no filesystem,
// no network, and no environment. The circuit WASM and the dataset blob
// are both fetched from the content store; the dataset is streamed to
// the module on stdin and the module's stdout is hashed to form the
// result hash. A circuit that produces a proof writes it to stderr as
// a JSON zkproof.Proof envelope; without one the job cannot pass the
// proof gate downstream.
type WasmRunner struct {
	runtime wazero.Runtime
	store   content.Store
	config  SandboxConfig
}

// NewWasmRunner creates a WASI runner backed by store.
func NewWasmRunner(ctx context.Context, store content.Store, cfg SandboxConfig) (*WasmRunner, error) {
	rConfig := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / 65536) // 64KB per page
		if pages == 0 {
			pages = 1
		}
		rConfig = rConfig.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("compute: instantiate WASI: %w", err)
	}
	return &WasmRunner{runtime: r, store: store, config: cfg}, nil
}

// Run implements RunFunc.
func (w *WasmRunner) Run(ctx context.Context, task Task) (Outcome, error) {
	wasmBytes, err := w.store.Get(ctx, task.CircuitID)
	if err != nil {
		return Outcome{}, fmt.Errorf("compute: load circuit %s: %w", task.CircuitID, err)
	}
	input, err := w.store.Get(ctx, task.DatasetHandle)
	if err != nil {
		return Outcome{}, fmt.Errorf("compute: load dataset %s: %w", task.DatasetHandle, err)
	}

	execCtx := ctx
	if w.config.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, w.config.CPUTimeLimit)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName("circuit")
	// No filesystem mounts, no env, no wall clock.

	compiled, err := w.runtime.CompileModule(execCtx, wasmBytes)
	if err != nil {
		return Outcome{}, fmt.Errorf("compute: compile circuit %s: %w", task.CircuitID, err)
	}
	defer func() { _ = compiled.Close(execCtx) }()

	mod, err := w.runtime.InstantiateModule(execCtx, compiled, moduleConfig)
	if err != nil {
		if execCtx.Err() != nil {
			return Outcome{}, &SandboxError{
				Code:    ErrComputeTimeExhausted,
				Message: fmt.Sprintf("execution exceeded time limit (%s)", w.config.CPUTimeLimit),
			}
		}
		if isMemoryError(err) {
			return Outcome{}, &SandboxError{
				Code:    ErrComputeMemoryExhausted,
				Message: fmt.Sprintf("execution exceeded memory limit (%d bytes)", w.config.MemoryLimitBytes),
			}
		}
		return Outcome{}, fmt.Errorf("compute: execution failed: %w", err)
	}
	defer func() { _ = mod.Close(execCtx) }()

	if stdout.Len()+stderr.Len() > OutputMaxBytes {
		return Outcome{}, &SandboxError{
			Code:    ErrComputeOutputExhausted,
			Message: fmt.Sprintf("output size %d exceeds limit %d", stdout.Len()+stderr.Len(), OutputMaxBytes),
		}
	}

	sum := sha256.Sum256(stdout.Bytes())
	out := Outcome{ResultHash: "sha256:" + hex.EncodeToString(sum[:])}

	if envelope := bytes.TrimSpace(stderr.Bytes()); len(envelope) > 0 {
		if err := json.Unmarshal(envelope, &out.Proof); err != nil {
			return Outcome{}, fmt.Errorf("compute: circuit %s: decode proof envelope: %w", task.CircuitID, err)
		}
	}
	return out, nil
}

// Close shuts down the wazero runtime.
func (w *WasmRunner) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
