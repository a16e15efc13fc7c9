package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Tryliate/Tryliate-sub001/pkg/models"
	"github.com/google/uuid"
)

// RunContext identifies the execution a capability is running for.
type RunContext struct {
	RunID      uuid.UUID
	WorkflowID string
	NodeID     string
	JobID      uuid.UUID
	Attempt    int // 1-indexed
}

// Request is the input of a capability: the node's type and configuration
// plus the payload produced by the predecessor (or the seed caller).
type Request struct {
	NodeType string
	Config   models.JSONMap
	Input    models.JSONMap
	Run      RunContext
}

// Result is the discriminated outcome of a capability. Data becomes the
// payload of every successor job when Success is true.
type Result struct {
	Success bool
	Data    models.JSONMap
	Error   string
}

func Succeeded(data models.JSONMap) Result {
	if data == nil {
		data = models.JSONMap{}
	}
	return Result{Success: true, Data: data}
}

func Failed(format string, args ...interface{}) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Capability performs the side effect behind one node type.
type Capability interface {
	Execute(ctx context.Context, req Request) Result
}

type CapabilityFunc func(ctx context.Context, req Request) Result

func (f CapabilityFunc) Execute(ctx context.Context, req Request) Result {
	return f(ctx, req)
}

// Resolver maps node types to capabilities. Unregistered types resolve to
// the fallback, so an unknown type never fails a run.
type Resolver struct {
	mu       sync.RWMutex
	caps     map[string]Capability
	fallback Capability
}

func NewResolver() *Resolver {
	return &Resolver{
		caps:     make(map[string]Capability),
		fallback: CapabilityFunc(fallbackPassthrough),
	}
}

func (r *Resolver) Register(nodeType string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[nodeType] = c
}

// SetFallback replaces the capability used for unregistered types.
func (r *Resolver) SetFallback(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = c
}

func (r *Resolver) Resolve(nodeType string) Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.caps[nodeType]; ok {
		return c
	}
	return r.fallback
}

// Types lists the registered node types.
func (r *Resolver) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.caps))
	for t := range r.caps {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Execute runs the capability for req.NodeType. A panic inside the
// capability is reported as a failed result.
func (r *Resolver) Execute(ctx context.Context, req Request) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Failed("capability %q panicked: %v", req.NodeType, p)
		}
	}()
	res = r.Resolve(req.NodeType).Execute(ctx, req)
	if res.Success && res.Data == nil {
		res.Data = models.JSONMap{}
	}
	if !res.Success && res.Error == "" {
		res.Error = fmt.Sprintf("capability %q failed without a message", req.NodeType)
	}
	return res
}
