package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/shiftnote-labs/shiftnote/core/pkg/policy"
)

// bundleABIConstraint is the recognizer ABI range this adapter speaks.
const bundleABIConstraint = ">=1.0.0 <2.0.0"

// ModelBundle describes an on-device batch recognizer model package.
type ModelBundle struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	ABI     string `yaml:"abi"`
	WASM    string `yaml:"wasm"`
}

// WASMRecognizer runs the batch model in a deny-by-default wazero sandbox:
// no filesystem, no network, no environment. Each chunk is one module run
// with PCM on stdin and JSON spans on stdout.
type WASMRecognizer struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	bundle   ModelBundle
	seq      atomic.Uint64
}

// NewWASMRecognizer validates the bundle's ABI against the adapter's
// constraint, then compiles the module once for reuse across chunks.
func NewWASMRecognizer(ctx context.Context, bundle ModelBundle, wasmBytes []byte, memoryLimitBytes uint64) (*WASMRecognizer, error) {
	abi, err := semver.NewVersion(bundle.ABI)
	if err != nil {
		return nil, fmt.Errorf("capture: bundle %s: parse abi %q: %w", bundle.Name, bundle.ABI, err)
	}
	constraint, err := semver.NewConstraint(bundleABIConstraint)
	if err != nil {
		return nil, fmt.Errorf("capture: abi constraint: %w", err)
	}
	if !constraint.Check(abi) {
		return nil, fmt.Errorf("capture: bundle %s abi %s outside supported range %s",
			bundle.Name, bundle.ABI, bundleABIConstraint)
	}

	runtimeCfg := wazero.NewRuntimeConfig()
	if memoryLimitBytes > 0 {
		pages := uint32(memoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	// WASI gets only stdin/stdout/stderr: no filesystem mounts, no env,
	// no random source, no high-resolution timers.
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("capture: compile model %s: %w", bundle.Name, err)
	}

	return &WASMRecognizer{runtime: r, compiled: compiled, bundle: bundle}, nil
}

func (w *WASMRecognizer) Kind() policy.Provider { return policy.ProviderLocalBatch }

func (w *WASMRecognizer) Ready() bool { return w.compiled != nil }

// Transcribe runs one sandboxed inference over the chunk.
func (w *WASMRecognizer) Transcribe(ctx context.Context, c Chunk) ([]Span, error) {
	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("asr-%d", w.seq.Add(1))).
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(c.PCM)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, modCfg)
	if err != nil {
		return nil, fmt.Errorf("capture: model run: %w (stderr: %s)", err, stderr.String())
	}
	_ = mod.Close(ctx)

	var spans []Span
	if err := json.Unmarshal(stdout.Bytes(), &spans); err != nil {
		return nil, fmt.Errorf("capture: parse model output: %w", err)
	}
	// Model output is chunk-relative; rebase onto the chunk window.
	for i := range spans {
		spans[i].StartMs += c.StartMs
		spans[i].EndMs += c.StartMs
	}
	return spans, nil
}

func (w *WASMRecognizer) Close() error {
	return w.runtime.Close(context.Background())
}
