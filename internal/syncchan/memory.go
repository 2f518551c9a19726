package syncchan

import (
	"context"
	"sync"

	"github.com/example/ride-tracking/internal/models"
)

// Memory is an in-process relay. Publish delivers synchronously, in order, to every
// subscriber of the ride, including the publisher's own subscription.
type Memory struct {
	mu        sync.RWMutex
	nextID    int
	subs      map[string]map[int]Handler
	intercept func(rideID string, p models.Patch) error
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]Handler)}
}

func (m *Memory) Publish(ctx context.Context, rideID string, p models.Patch) error {
	if err := ctx.Err(); err != nil {
		return transportErr("memory publish", err)
	}
	m.mu.RLock()
	intercept := m.intercept
	m.mu.RUnlock()
	if intercept != nil {
		if err := intercept(rideID, p); err != nil {
			return transportErr("memory publish", err)
		}
	}
	m.Deliver(rideID, p)
	return nil
}

// SetIntercept installs a hook that sees every publish and may fail it.
func (m *Memory) SetIntercept(fn func(rideID string, p models.Patch) error) {
	m.mu.Lock()
	m.intercept = fn
	m.mu.Unlock()
}

// Deliver injects a patch as if it came from the relay, bypassing the intercept hook.
func (m *Memory) Deliver(rideID string, p models.Patch) {
	m.mu.RLock()
	handlers := make([]Handler, 0, len(m.subs[rideID]))
	for _, h := range m.subs[rideID] {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()
	for _, h := range handlers {
		h(p)
	}
}

func (m *Memory) Subscribe(_ context.Context, rideID string, onChange Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[rideID] == nil {
		m.subs[rideID] = make(map[int]Handler)
	}
	m.nextID++
	id := m.nextID
	m.subs[rideID][id] = onChange
	return &memorySub{m: m, rideID: rideID, id: id}, nil
}

// Subscribers counts live subscriptions for a ride.
func (m *Memory) Subscribers(rideID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[rideID])
}

type memorySub struct {
	m      *Memory
	rideID string
	id     int
	once   sync.Once
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		defer s.m.mu.Unlock()
		delete(s.m.subs[s.rideID], s.id)
		if len(s.m.subs[s.rideID]) == 0 {
			delete(s.m.subs, s.rideID)
		}
	})
	return nil
}
