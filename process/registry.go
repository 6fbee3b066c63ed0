package process

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrProcessNotFound = errors.New("process not found")

// Provider resolves compiled process graphs by id.
type Provider interface {
	Process(ctx context.Context, id string) (*Process, error)

	Processes(ctx context.Context) ([]*Process, error)
}

// Registry holds the deployed processes of an engine.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]*Process
	eval      *Evaluator
}

var _ Provider = (*Registry)(nil)

func NewRegistry(eval *Evaluator) *Registry {
	return &Registry{
		processes: map[string]*Process{},
		eval:      eval,
	}
}

// Deploy compiles the process and makes it available. Deploying a process
// with an existing id replaces the previous version.
func (r *Registry) Deploy(p *Process) error {
	if err := p.Compile(r.eval); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.processes[p.ID] = p

	return nil
}

func (r *Registry) Undeploy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.processes, id)
}

func (r *Registry) Process(_ context.Context, id string) (*Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}

	return p, nil
}

func (r *Registry) Processes(_ context.Context) ([]*Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ps := make([]*Process, 0, len(r.processes))
	for _, p := range r.processes {
		ps = append(ps, p)
	}

	sort.Slice(ps, func(i, j int) bool {
		return ps[i].ID < ps[j].ID
	})

	return ps, nil
}

// ForOperation returns the deployed processes receiving messages for a partner link operation.
func (r *Registry) ForOperation(partnerLink, operation string) []*Process {
	ps, _ := r.Processes(context.Background())

	var result []*Process
	for _, p := range ps {
		if p.Receives(partnerLink, operation) {
			result = append(result, p)
		}
	}

	return result
}
