// Package dispatch maps (agent, action) pairs to handlers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
)

var (
	ErrUnknownAgent   = errors.New("dispatch: unknown agent")
	ErrUnknownAction  = errors.New("dispatch: unknown action")
	ErrDuplicateAgent = errors.New("dispatch: agent already registered")
	ErrInvalidAgent   = errors.New("dispatch: invalid agent")
)

// Result is what an action handler reports back. Data is never nil once a
// result has passed through Dispatch.
type Result struct {
	Success      bool           `json:"success"`
	Data         map[string]any `json:"data"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// OK builds a successful result.
func OK(data map[string]any) Result {
	if data == nil {
		data = map[string]any{}
	}
	return Result{Success: true, Data: data}
}

// Fail builds a failed result with a machine-readable kind.
func Fail(kind, format string, args ...any) Result {
	return Result{Data: map[string]any{}, ErrorKind: kind, ErrorMessage: fmt.Sprintf(format, args...)}
}

// HandlerFunc executes one action.
type HandlerFunc func(ctx context.Context, params map[string]any) Result

// Actions maps action names to handlers.
type Actions map[string]HandlerFunc

// Agent is a named set of actions.
type Agent interface {
	Name() string
	Actions() Actions
}

// DispatchError reports a lookup miss.
type DispatchError struct {
	Agent  string
	Action string
	Err    error
}

func (e *DispatchError) Error() string {
	if errors.Is(e.Err, ErrUnknownAgent) {
		return fmt.Sprintf("%v: %s", e.Err, e.Agent)
	}
	return fmt.Sprintf("%v: %s.%s", e.Err, e.Agent, e.Action)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Registry holds agent action tables. Agents are registered at startup and
// looked up concurrently afterwards.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Actions
	logger *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		agents: make(map[string]Actions),
		logger: log.With(slog.String("component", "dispatch")),
	}
}

// RegisterAgent adds an agent and its action table.
func (r *Registry) RegisterAgent(name string, actions Actions) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidAgent)
	}
	if len(actions) == 0 {
		return fmt.Errorf("%w: %s has no actions", ErrInvalidAgent, name)
	}
	for action, h := range actions {
		if action == "" || h == nil {
			return fmt.Errorf("%w: %s has an empty action or nil handler", ErrInvalidAgent, name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, name)
	}
	r.agents[name] = maps.Clone(actions)
	r.logger.Info("agent registered", slog.String("agent", name), slog.Int("actions", len(actions)))
	return nil
}

// Register adds a.
func (r *Registry) Register(a Agent) error {
	return r.RegisterAgent(a.Name(), a.Actions())
}

// Dispatch invokes agent.action with params and returns the handler's result.
// There are no retries.
func (r *Registry) Dispatch(ctx context.Context, agent, action string, params map[string]any) (Result, error) {
	r.mu.RLock()
	actions, ok := r.agents[agent]
	var handler HandlerFunc
	if ok {
		handler = actions[action]
	}
	r.mu.RUnlock()

	if !ok {
		return Result{}, &DispatchError{Agent: agent, Action: action, Err: ErrUnknownAgent}
	}
	if handler == nil {
		return Result{}, &DispatchError{Agent: agent, Action: action, Err: ErrUnknownAction}
	}
	if params == nil {
		params = map[string]any{}
	}
	res := handler(ctx, params)
	if res.Data == nil {
		res.Data = map[string]any{}
	}
	return res, nil
}

// Agents lists registered agents and their sorted action names.
func (r *Registry) Agents() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.agents))
	for name, actions := range r.agents {
		out[name] = slices.Sorted(maps.Keys(actions))
	}
	return out
}
