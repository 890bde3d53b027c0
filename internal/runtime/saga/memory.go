package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

type instanceKey struct {
	processType string
	processID   uuid.UUID
}

// MemoryStore keeps instances in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[instanceKey]*Instance
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[instanceKey]*Instance)}
}

func (s *MemoryStore) Load(ctx context.Context, processType string, id uuid.UUID) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[instanceKey{processType, id}]
	if !ok {
		return nil, errspkg.ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, inst *Instance, expectedVersion int) error {
	if inst == nil {
		return errspkg.ErrProcessRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key := instanceKey{inst.ProcessType, inst.ProcessID}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := 0
	if stored, ok := s.instances[key]; ok {
		current = stored.Version
	}
	if current != expectedVersion {
		return conflict(inst, expectedVersion, current)
	}
	s.instances[key] = inst.Clone()
	return nil
}

func (s *MemoryStore) DueTimeouts(ctx context.Context, now time.Time, limit int) ([]DueTimeout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	var due []DueTimeout
	for key, inst := range s.instances {
		for _, t := range inst.PendingTimeouts {
			if t.FireAt.After(now) {
				break
			}
			due = append(due, DueTimeout{ProcessType: key.processType, ProcessID: key.processID, Timeout: t})
		}
	}
	s.mu.RUnlock()

	sortDue(due)
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Len returns the number of stored instances.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func sortDue(due []DueTimeout) {
	sort.Slice(due, func(i, j int) bool {
		if !due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].FireAt.Before(due[j].FireAt)
		}
		return due[i].Token < due[j].Token
	})
}

func conflict(inst *Instance, expected, actual int) error {
	return errspkg.NewConcurrencyConflict("process "+inst.ProcessType, inst.ProcessID.String(), expected, actual)
}
