package think

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// ActionHandler executes a function call and returns a short result.
type ActionHandler func(ctx context.Context, args map[string]any) (string, error)

// ActionRegistry maps function-call names to handlers. It is filled at
// startup; names without a handler resolve to a no-op that logs.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
	logger   *zap.Logger
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry(logger *zap.Logger) *ActionRegistry {
	return &ActionRegistry{
		handlers: make(map[string]ActionHandler),
		logger:   logger,
	}
}

// Register adds a handler, replacing any previous one for name.
func (r *ActionRegistry) Register(name string, h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Names returns the registered action names in order.
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the handler for name, or the no-op handler.
func (r *ActionRegistry) Resolve(name string) (ActionHandler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if ok {
		return h, true
	}
	return r.noop(name), false
}

// Dispatch runs one function call.
func (r *ActionRegistry) Dispatch(ctx context.Context, call FunctionCall) (string, error) {
	h, _ := r.Resolve(call.Name)
	return h(ctx, call.Args)
}

func (r *ActionRegistry) noop(name string) ActionHandler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		r.logger.Warn("unknown action ignored", zap.String("name", name), zap.Any("args", args))
		return "", nil
	}
}

// StringArg reads a required string argument.
func StringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", fmt.Errorf("argument %q is empty", key)
		}
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int, int64, bool:
		return fmt.Sprint(t), nil
	default:
		return "", fmt.Errorf("argument %q must be a string", key)
	}
}
