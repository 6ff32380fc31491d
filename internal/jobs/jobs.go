package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InterruptedClass tags failures caused by the runtime killing an attempt rather than a business error.
const InterruptedClass = "JobInterruptedError"

// Queue delivers jobs at least once, with no ordering between unrelated jobs.
// Both methods return the id the job will carry as its correlation id.
type Queue interface {
	Enqueue(ctx context.Context, name string, args any) (string, error)
	EnqueueAfter(ctx context.Context, delay time.Duration, name string, args any) (string, error)
}

type Handler interface {
	Name() string
	Perform(ctx context.Context, args json.RawMessage) error
}

// Failure describes why a job gave up after its retry budget ran out.
type Failure struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// ExhaustionHandler is implemented by handlers that record their own failure once retries are exhausted.
type ExhaustionHandler interface {
	Exhausted(ctx context.Context, args json.RawMessage, failure Failure) error
}

// Registry maps job names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered job names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type correlationKey struct{}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Cause() error  { return e.err }

// Permanent marks err as not worth retrying; the queue goes straight to exhaustion.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ErrorClass names the root cause's type, e.g. "pipeline.FailedError".
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", errors.Cause(err)), "*")
}

// Decode unmarshals job arguments, wrapping failures as permanent since a retry cannot fix them.
func Decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return Permanent(errors.Wrap(err, "decode job arguments"))
	}
	return nil
}
