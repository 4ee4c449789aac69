// Package job defines the contract user work must satisfy and the registry
// that resolves a message class name to an implementation at runtime.
package job

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrJobNotFound is matched by every ResolutionError.
	ErrJobNotFound = errors.New("subway: job class not found")

	// ErrDuplicateJob is returned when a class name is registered twice.
	ErrDuplicateJob = errors.New("subway: duplicate job registration")

	// ErrInvalidJob is returned when registering an empty name or nil constructor.
	ErrInvalidJob = errors.New("subway: invalid job registration")
)

// Job performs one unit of work. A non-nil error marks the execution failed.
type Job interface {
	Perform(ctx context.Context, args map[string]any) error
}

// Namer is implemented by jobs that want a short display name in logs.
type Namer interface {
	Name() string
}

// Constructor builds a fresh Job for every execution.
type Constructor func() Job

// Func adapts a plain function to the Job interface.
type Func func(ctx context.Context, args map[string]any) error

func (f Func) Perform(ctx context.Context, args map[string]any) error { return f(ctx, args) }

// ResolutionError reports a class name that no constructor is registered for.
type ResolutionError struct {
	Class string
}

func (e *ResolutionError) Error() string {
	return "subway: could not resolve job class " + e.Class
}

func (e *ResolutionError) Is(target error) bool { return target == ErrJobNotFound }

// Registry maps class names to constructors. It is populated at startup by
// the embedding binary and is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

func (r *Registry) Register(class string, ctor Constructor) error {
	if class == "" || ctor == nil {
		return ErrInvalidJob
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[class]; ok {
		return errors.Wrap(ErrDuplicateJob, class)
	}
	r.ctors[class] = ctor
	return nil
}

func (r *Registry) MustRegister(class string, ctor Constructor) {
	if err := r.Register(class, ctor); err != nil {
		panic(err)
	}
}

// Resolve instantiates the job registered under class.
func (r *Registry) Resolve(class string) (Job, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[class]
	r.mu.RUnlock()
	if !ok {
		return nil, &ResolutionError{Class: class}
	}
	j := ctor()
	if j == nil {
		return nil, &ResolutionError{Class: class}
	}
	return j, nil
}

func (r *Registry) Has(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[class]
	return ok
}

// Names returns the registered class names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DisplayName prefers the job's own Name over the class.
func DisplayName(j Job, class string) string {
	if n, ok := j.(Namer); ok && n.Name() != "" {
		return n.Name()
	}
	return class
}
