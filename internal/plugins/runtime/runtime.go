package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-voice/internal/plugins/manifest"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// MaxResultBytes bounds what a module may hand back through host_result.
const MaxResultBytes = 1 << 20

// Runtime wraps a wazero runtime for executing agent modules.
type Runtime struct {
	rt   wazero.Runtime
	host HostBindings
}

// New creates a new agent runtime using wazero.
func New(ctx context.Context, host HostBindings) (*Runtime, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	host = host.ensure()
	if err := instantiateHostModule(ctx, rt, host); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return &Runtime{rt: rt, host: host}, nil
}

// Close releases resources held by the runtime.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil || r.rt == nil {
		return nil
	}
	return r.rt.Close(ctx)
}

// Module is a loaded agent module.
type Module struct {
	Manifest manifest.Manifest
	module   api.Module
	entry    api.Function
	compiled wazero.CompiledModule
}

// Close releases resources for the module.
func (m *Module) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if m.module != nil {
		if err := m.module.Close(ctx); err != nil {
			return err
		}
	}
	if m.compiled != nil {
		if err := m.compiled.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Load compiles and instantiates the module named by the manifest.
func (r *Runtime) Load(ctx context.Context, m manifest.Manifest, env map[string]string) (*Module, error) {
	if m.Runtime.Mode != "wasm" {
		return nil, fmt.Errorf("unsupported runtime mode %q", m.Runtime.Mode)
	}
	wasmBytes, err := os.ReadFile(m.Runtime.Module)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	return r.LoadBytes(ctx, m, wasmBytes, env)
}

// LoadBytes is Load for a module already in memory.
func (r *Runtime) LoadBytes(ctx context.Context, m manifest.Manifest, wasmBytes []byte, env map[string]string) (*Module, error) {
	if r == nil || r.rt == nil {
		return nil, fmt.Errorf("runtime not initialized")
	}
	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	moduleConfig := wazero.NewModuleConfig().WithName("agent:" + m.Agent.Name)
	for k, v := range env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}
	module, err := r.rt.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	entry := module.ExportedFunction(m.Runtime.Entrypoint)
	if entry == nil {
		module.Close(ctx)
		compiled.Close(ctx)
		return nil, fmt.Errorf("entrypoint %q not found", m.Runtime.Entrypoint)
	}
	return &Module{
		Manifest: m,
		module:   module,
		entry:    entry,
		compiled: compiled,
	}, nil
}

// Invoke executes the module entrypoint. Inputs travel through the
// environment; the result comes back through host_result.
func (m *Module) Invoke(ctx context.Context) error {
	if m == nil || m.entry == nil {
		return fmt.Errorf("agent entrypoint not available")
	}
	_, err := m.entry.Call(ctx)
	return err
}

func readGuest(mod api.Module, ptr, length uint32) ([]byte, bool) {
	mem := mod.Memory()
	if mem == nil {
		return nil, false
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, binding HostBindings) error {
	logger := binding.Logger

	builder := rt.NewHostModuleBuilder("env")
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		data, ok := readGuest(mod, ptr, length)
		if !ok {
			logger.Warn("host_log: unable to read memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		msg := string(data)
		logger.Info("agent log", slog.String("message", msg))
		binding.RecordAudit(AuditEvent{Type: "agent.log", Data: map[string]any{"message": msg}})
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")

	hostPublishFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		subjectPtr := api.DecodeU32(stack[0])
		subjectLen := api.DecodeU32(stack[1])
		payloadPtr := api.DecodeU32(stack[2])
		payloadLen := api.DecodeU32(stack[3])

		subjectBytes, ok := readGuest(mod, subjectPtr, subjectLen)
		if !ok {
			stack[0] = api.EncodeI32(int32(PublishErrRuntime))
			return
		}
		subject := string(subjectBytes)
		if err := binding.AllowPublish(subject); err != nil {
			stack[0] = api.EncodeI32(int32(PublishErrNotAllowed))
			logger.Warn("agent publish blocked", slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		var payload []byte
		if payloadLen > 0 {
			if payload, ok = readGuest(mod, payloadPtr, payloadLen); !ok {
				stack[0] = api.EncodeI32(int32(PublishErrRuntime))
				return
			}
		}
		if err := binding.Publish(subject, payload); err != nil {
			stack[0] = api.EncodeI32(int32(PublishErrRuntime))
			logger.Error("agent publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		binding.RecordAudit(AuditEvent{Type: "agent.publish", Data: map[string]any{
			"subject":       subject,
			"payload_bytes": payloadLen,
		}})
		stack[0] = api.EncodeI32(int32(PublishOK))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostPublishFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		WithName("host_publish").
		WithResultNames("code").
		Export("host_publish")

	hostResultFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length > MaxResultBytes {
			logger.Warn("host_result: result too large", slog.Uint64("len", uint64(length)))
			return
		}
		data, ok := readGuest(mod, ptr, length)
		if !ok {
			logger.Warn("host_result: unable to read memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		binding.SetResult(data)
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostResultFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_result").
		Export("host_result")

	_, err := builder.Instantiate(ctx)
	return err
}

const (
	PublishOK            = 0
	PublishErrNotAllowed = 1
	PublishErrRuntime    = 2
)

type HostBindings struct {
	Logger       *slog.Logger
	AllowPublish func(subject string) error
	Publish      func(subject string, payload []byte) error
	SetResult    func(data []byte)
	RecordAudit  func(event AuditEvent)
}

func (h HostBindings) ensure() HostBindings {
	if h.Logger == nil {
		h.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if h.AllowPublish == nil {
		h.AllowPublish = func(string) error { return errors.New("publish disallowed") }
	}
	if h.Publish == nil {
		h.Publish = func(string, []byte) error { return errors.New("publish unsupported") }
	}
	if h.SetResult == nil {
		h.SetResult = func([]byte) {}
	}
	if h.RecordAudit == nil {
		h.RecordAudit = func(AuditEvent) {}
	}
	return h
}

type AuditEvent struct {
	Type string
	Data map[string]any
}
