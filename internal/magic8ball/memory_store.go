package magic8ball

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory registry store for demo/development mode.
// Question ids index straight into the questions slice.
type MemoryStore struct {
	mu        sync.RWMutex
	questions []*Question
	paused    bool
	events    []*Event
}

// NewMemoryStore creates a new in-memory registry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) State(ctx context.Context) (*RegistryState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return &RegistryState{
		NextQuestionID: uint64(len(m.questions)),
		Paused:         m.paused,
	}, nil
}

func (m *MemoryStore) SetPaused(ctx context.Context, paused bool, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paused = paused
	m.appendEvent(ev)
	return nil
}

func (m *MemoryStore) Create(ctx context.Context, q *Question, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return ErrRegistryPaused
	}
	if q.ID != uint64(len(m.questions)) {
		return ErrStaleState
	}
	m.questions = append(m.questions, q.clone())
	m.appendEvent(ev)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uint64) (*Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id >= uint64(len(m.questions)) {
		return nil, ErrQuestionNotFound
	}
	return m.questions[id].clone(), nil
}

func (m *MemoryStore) Answer(ctx context.Context, q *Question, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return ErrRegistryPaused
	}
	if q.ID >= uint64(len(m.questions)) {
		return ErrQuestionNotFound
	}
	stored := m.questions[q.ID]
	if stored.Answered {
		return ErrAlreadyAnswered
	}
	stored.Answered = true
	stored.Answer = q.Answer
	stored.Oracle = cloneAddr(q.Oracle)
	if q.AnsweredAt != nil {
		t := *q.AnsweredAt
		stored.AnsweredAt = &t
	}
	m.appendEvent(ev)
	return nil
}

func (m *MemoryStore) SetOracles(ctx context.Context, id uint64, oracles []common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return ErrRegistryPaused
	}
	if id >= uint64(len(m.questions)) {
		return ErrQuestionNotFound
	}
	m.questions[id].AllowedOracles = append([]common.Address(nil), oracles...)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*Question{}
	skipped := 0
	for _, q := range m.questions {
		if filter.Asker != nil && q.Asker != *filter.Asker {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		result = append(result, q.clone())
		if len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) Events(ctx context.Context, afterSeq uint64, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*Event{}
	// seq is dense from 1, so events[afterSeq] is the first one wanted
	for i := afterSeq; i < uint64(len(m.events)) && len(result) < limit; i++ {
		result = append(result, m.events[i].clone())
	}
	return result, nil
}

// appendEvent assigns the next seq. Caller holds m.mu.
func (m *MemoryStore) appendEvent(ev *Event) {
	ev.Seq = uint64(len(m.events)) + 1
	m.events = append(m.events, ev.clone())
}
