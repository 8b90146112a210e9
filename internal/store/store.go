// Package store persists goals and plans.
//
// Each execution kind lives in one aggregate JSON document (goals.json,
// plans.json) that is rewritten whole on every mutation: read, decode,
// mutate in memory, write a temp file, fsync, rename. Per-execution
// history goes to append-only JSONL logs under logs/{kind}/{id}/.
//
// Directory layout:
//
//	{dir}/
//	├── goals.json
//	├── plans.json
//	└── logs/
//	    ├── goal/{id}/iterations.jsonl
//	    ├── goal/{id}/evaluations.jsonl
//	    └── plan/{id}/tasks.jsonl
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned by Create for a duplicate id.
	ErrExists = errors.New("record already exists")
	// ErrImmutable is returned when mutating a completed or failed record.
	ErrImmutable = errors.New("record is terminal and cannot be modified")
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrCorrupted is returned when an aggregate document cannot be decoded.
	ErrCorrupted = errors.New("aggregate document corrupted")
)

// Store bundles the goal and plan documents and the execution logs.
type Store struct {
	Goals *GoalStore
	Plans *PlanStore
	Logs  *Logs

	dir string
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open prepares a store rooted at dir, creating it if needed.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store dir is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating store dir %s: %w", dir, err)
	}

	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	clock := func() time.Time { return s.now().UTC() }

	s.Goals = &GoalStore{agg: newAggregate[Goal](filepath.Join(dir, "goals.json")), now: clock}
	s.Plans = &PlanStore{agg: newAggregate[Plan](filepath.Join(dir, "plans.json")), now: clock}
	s.Logs = &Logs{dir: filepath.Join(dir, "logs"), now: clock}
	return s, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// GoalStore is the goals.json view.
type GoalStore struct {
	agg *aggregate[Goal]
	now func() time.Time
}

// Create inserts a new goal.
func (s *GoalStore) Create(g *Goal) error {
	if g.ID == "" {
		return errors.New("goal id is required")
	}
	return s.agg.mutate(func(doc *document[Goal]) error {
		if _, ok := doc.Records[g.ID]; ok {
			return fmt.Errorf("%w: goal %s", ErrExists, g.ID)
		}
		now := s.now()
		if g.CreatedAt.IsZero() {
			g.CreatedAt = now
		}
		g.UpdatedAt = now
		doc.Records[g.ID] = g
		return nil
	})
}

// Get returns an independent copy of the goal.
func (s *GoalStore) Get(id string) (*Goal, error) {
	return s.agg.get(id)
}

// List returns all goals, oldest first.
func (s *GoalStore) List() ([]*Goal, error) {
	return s.agg.list(func(a, b *Goal) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// Update applies fn to the current persisted goal and writes the result
// atomically. Terminal goals are refused with ErrImmutable. fn may return
// an error to abort without writing. The iteration counter can never move
// backwards and the status can only follow the goal state machine.
func (s *GoalStore) Update(id string, fn func(g *Goal) error) (*Goal, error) {
	var out *Goal
	err := s.agg.mutate(func(doc *document[Goal]) error {
		g, ok := doc.Records[id]
		if !ok {
			return fmt.Errorf("%w: goal %s", ErrNotFound, id)
		}
		if g.Status.Terminal() {
			return fmt.Errorf("%w: goal %s is %s", ErrImmutable, id, g.Status)
		}
		from, iterations := g.Status, g.Usage.Iterations

		if err := fn(g); err != nil {
			return err
		}

		if !from.CanTransition(g.Status) {
			return fmt.Errorf("%w: goal %s %s -> %s", ErrInvalidTransition, id, from, g.Status)
		}
		if g.Usage.Iterations < iterations {
			return fmt.Errorf("goal %s: iterations cannot decrease (%d -> %d)", id, iterations, g.Usage.Iterations)
		}
		g.ID = id
		g.UpdatedAt = s.now()
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PlanStore is the plans.json view.
type PlanStore struct {
	agg *aggregate[Plan]
	now func() time.Time
}

// Create inserts a new plan.
func (s *PlanStore) Create(p *Plan) error {
	if p.ID == "" {
		return errors.New("plan id is required")
	}
	return s.agg.mutate(func(doc *document[Plan]) error {
		if _, ok := doc.Records[p.ID]; ok {
			return fmt.Errorf("%w: plan %s", ErrExists, p.ID)
		}
		now := s.now()
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		doc.Records[p.ID] = p
		return nil
	})
}

// Get returns an independent copy of the plan.
func (s *PlanStore) Get(id string) (*Plan, error) {
	return s.agg.get(id)
}

// List returns all plans, oldest first.
func (s *PlanStore) List() ([]*Plan, error) {
	return s.agg.list(func(a, b *Plan) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// Update applies fn to the current persisted plan and writes the result
// atomically. Terminal plans are refused with ErrImmutable.
func (s *PlanStore) Update(id string, fn func(p *Plan) error) (*Plan, error) {
	var out *Plan
	err := s.agg.mutate(func(doc *document[Plan]) error {
		p, ok := doc.Records[id]
		if !ok {
			return fmt.Errorf("%w: plan %s", ErrNotFound, id)
		}
		if p.Status.Terminal() {
			return fmt.Errorf("%w: plan %s is %s", ErrImmutable, id, p.Status)
		}
		from := p.Status

		if err := fn(p); err != nil {
			return err
		}

		if !from.CanTransition(p.Status) {
			return fmt.Errorf("%w: plan %s %s -> %s", ErrInvalidTransition, id, from, p.Status)
		}
		p.ID = id
		p.UpdatedAt = s.now()
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
