// Package service discovers WASM agent packages and registers their actions
// with the dispatch registry. Every action call runs the module in a fresh
// sandbox.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/dispatch"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	manifestpkg "github.com/loqalabs/loqa-voice/internal/plugins/manifest"
	agentrt "github.com/loqalabs/loqa-voice/internal/plugins/runtime"
)

// ManifestFile is the file name discovered under the agents directory.
const ManifestFile = "agent.yaml"

// Publisher delivers host_publish messages. The bus client satisfies it.
type Publisher interface {
	Publish(subject string, payload []byte) error
}

// Service hosts WASM agents.
type Service struct {
	cfg       config.AgentsConfig
	log       *slog.Logger
	publisher Publisher
	store     *eventstore.Store
	sema      chan struct{}

	mu     sync.RWMutex
	agents map[string]*binding
}

type binding struct {
	manifest   manifestpkg.Manifest
	directory  string
	publishSet map[string]struct{}
	timeout    time.Duration
	wasm       []byte
}

// New discovers the agents under cfg.Directory. publisher and store may be
// nil.
func New(cfg config.AgentsConfig, publisher Publisher, store *eventstore.Store, logger *slog.Logger) (*Service, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = 5000
	}
	svc := &Service{
		cfg:       cfg,
		log:       logger.With(slog.String("component", "agents.wasm")),
		publisher: publisher,
		store:     store,
		sema:      make(chan struct{}, cfg.Concurrency),
		agents:    make(map[string]*binding),
	}
	if err := svc.discover(); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *Service) discover() error {
	root := s.cfg.Directory
	if root == "" {
		return errors.New("agents directory not configured")
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(d.Name(), ManifestFile) {
			return nil
		}
		if err := s.add(path); err != nil {
			s.log.Error("failed to load agent", slog.String("path", path), slog.String("error", err.Error()))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(s.agents) == 0 {
		s.log.Warn("no agents discovered", slog.String("directory", root))
	} else {
		s.log.Info("agents discovered", slog.Int("count", len(s.agents)))
	}
	return nil
}

func (s *Service) add(manifestPath string) error {
	mf, err := manifestpkg.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	if err := manifestpkg.Validate(mf); err != nil {
		return fmt.Errorf("validate manifest: %w", err)
	}
	baseDir := filepath.Dir(manifestPath)
	modulePath := mf.Runtime.Module
	if !filepath.IsAbs(modulePath) {
		modulePath = filepath.Join(baseDir, modulePath)
	}
	wasm, err := os.ReadFile(modulePath)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}

	publishSet := make(map[string]struct{}, len(mf.Capabilities.Bus.Publish))
	for _, subj := range mf.Capabilities.Bus.Publish {
		publishSet[subj] = struct{}{}
	}
	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if mf.Runtime.TimeoutMS > 0 {
		timeout = time.Duration(mf.Runtime.TimeoutMS) * time.Millisecond
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[mf.Agent.Name]; exists {
		return fmt.Errorf("duplicate agent name %s", mf.Agent.Name)
	}
	s.agents[mf.Agent.Name] = &binding{
		manifest:   mf,
		directory:  baseDir,
		publishSet: publishSet,
		timeout:    timeout,
		wasm:       wasm,
	}
	s.log.Info("agent loaded",
		slog.String("agent", mf.Agent.Name),
		slog.String("module", modulePath),
		slog.Any("actions", mf.Agent.Actions))
	return nil
}

// Agents lists the discovered agent names.
func (s *Service) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.agents))
}

// Route is a manifest pattern bound to its agent.
type Route struct {
	Intent  string
	Pattern string
	Agent   string
	Action  string
}

// Routes lists the patterns declared by the discovered agents.
func (s *Service) Routes() []Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Route
	for _, name := range slices.Sorted(maps.Keys(s.agents)) {
		for _, p := range s.agents[name].manifest.Agent.Patterns {
			out = append(out, Route{Intent: p.Intent, Pattern: p.Pattern, Agent: name, Action: p.Action})
		}
	}
	return out
}

// RegisterAll adds every discovered agent to reg. Agents whose name is
// already taken are skipped with a warning.
func (s *Service) RegisterAll(reg *dispatch.Registry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(s.agents)) {
		b := s.agents[name]
		actions := make(dispatch.Actions, len(b.manifest.Agent.Actions))
		for _, action := range b.manifest.Agent.Actions {
			actions[action] = s.handler(b, action)
		}
		if err := reg.RegisterAgent(name, actions); err != nil {
			s.log.Warn("agent not registered", slog.String("agent", name), slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) handler(b *binding, action string) dispatch.HandlerFunc {
	return func(ctx context.Context, params map[string]any) dispatch.Result {
		select {
		case s.sema <- struct{}{}:
		case <-ctx.Done():
			return dispatch.Fail("cancelled", "%v", ctx.Err())
		}
		defer func() { <-s.sema }()
		res, err := s.invoke(ctx, b, action, params)
		if err != nil {
			s.log.Error("agent invocation failed",
				slog.String("agent", b.manifest.Agent.Name),
				slog.String("action", action),
				slog.String("error", err.Error()))
			return dispatch.Fail("agent_error", "%v", err)
		}
		return res
	}
}

// wireResult is what a module hands to host_result.
type wireResult struct {
	Success      bool           `json:"success"`
	Data         map[string]any `json:"data"`
	ErrorKind    string         `json:"error_kind"`
	ErrorMessage string         `json:"error_message"`
}

func (s *Service) invoke(parent context.Context, b *binding, action string, params map[string]any) (dispatch.Result, error) {
	ctx, cancel := context.WithTimeout(parent, b.timeout)
	defer cancel()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("encode params: %w", err)
	}
	invocationID := uuid.NewString()
	name := b.manifest.Agent.Name
	env := map[string]string{
		"LOQA_AGENT_NAME":      name,
		"LOQA_AGENT_ACTION":    action,
		"LOQA_AGENT_PARAMS":    string(paramsJSON),
		"LOQA_INVOCATION_ID":   invocationID,
		"LOQA_AGENT_DIRECTORY": b.directory,
	}

	hostLogger := s.log.With(
		slog.String("agent", name),
		slog.String("invocation_id", invocationID),
	)
	var result []byte
	hostBindings := agentrt.HostBindings{
		Logger: hostLogger,
		AllowPublish: func(subject string) error {
			if !b.manifest.Allows(manifestpkg.PermissionPublish) {
				return fmt.Errorf("missing permission %s", manifestpkg.PermissionPublish)
			}
			if _, ok := b.publishSet[subject]; !ok {
				return fmt.Errorf("subject %s not declared in manifest", subject)
			}
			return nil
		},
		SetResult: func(data []byte) { result = data },
		RecordAudit: func(event agentrt.AuditEvent) {
			s.appendAudit(b, invocationID, event)
		},
	}
	if s.publisher != nil {
		hostBindings.Publish = s.publisher.Publish
	}

	runtime, err := agentrt.New(ctx, hostBindings)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("init runtime: %w", err)
	}
	defer runtime.Close(context.Background())

	mod, err := runtime.LoadBytes(ctx, b.manifest, b.wasm, env)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("load agent: %w", err)
	}
	defer mod.Close(context.Background())

	start := time.Now()
	s.appendAudit(b, invocationID, agentrt.AuditEvent{Type: "agent.invoke.start", Data: map[string]any{
		"action": action,
	}})

	if err := mod.Invoke(ctx); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		s.appendAudit(b, invocationID, agentrt.AuditEvent{Type: "agent.invoke.error", Data: map[string]any{
			"action": action,
			"error":  err.Error(),
		}})
		return dispatch.Result{}, err
	}

	s.appendAudit(b, invocationID, agentrt.AuditEvent{Type: "agent.invoke.complete", Data: map[string]any{
		"action":      action,
		"duration_ms": time.Since(start).Milliseconds(),
	}})

	if result == nil {
		return dispatch.Fail("no_result", "agent %s returned no result for %s", name, action), nil
	}
	var wr wireResult
	if err := json.Unmarshal(result, &wr); err != nil {
		return dispatch.Fail("bad_result", "agent %s returned malformed result: %v", name, err), nil
	}
	if wr.Data == nil {
		wr.Data = map[string]any{}
	}
	return dispatch.Result{Success: wr.Success, Data: wr.Data, ErrorKind: wr.ErrorKind, ErrorMessage: wr.ErrorMessage}, nil
}

func (s *Service) appendAudit(b *binding, invocationID string, event agentrt.AuditEvent) {
	if !s.store.Persistent() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload := map[string]any{
		"invocation_id": invocationID,
		"agent":         b.manifest.Agent.Name,
	}
	for k, v := range event.Data {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal audit event", slog.String("error", err.Error()))
		return
	}
	evt := eventstore.Event{
		StreamID: "agent:" + invocationID,
		Actor:    b.manifest.Agent.Name,
		Type:     event.Type,
		Payload:  data,
		Privacy:  s.cfg.AuditPrivacy,
	}
	if err := s.store.Append(ctx, evt); err != nil {
		s.log.Warn("failed to append audit event", slog.String("error", err.Error()))
	}
}
