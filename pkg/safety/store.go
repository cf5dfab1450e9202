package safety

import "sync"

// Store is the single owner of the panel's State.  Every read and write goes through its lock,
// which is only ever held for the duration of a field update.  Callers must not do I/O inside
// a Mutate function.
type Store struct {
	lock     sync.Mutex // Guards everything below
	limits   Limits
	state    State
	watchers map[int]chan struct{}
	nextID   int
}

func NewStore(limits Limits) *Store {
	if limits.Min > limits.Max {
		limits.Min, limits.Max = limits.Max, limits.Min
	}
	return &Store{
		limits: limits,
		state: State{
			Turn:       TurnOperator,
			Difficulty: limits.Min,
		},
		watchers: map[int]chan struct{}{},
	}
}

func (s *Store) Limits() Limits {
	return s.limits
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Mutate applies fn to the current state atomically and returns the state before and after.
// The difficulty is re-clamped after fn runs and Started can never be unlatched, so no caller
// can store a state that breaks those rules.  Watchers are signalled if anything changed.
func (s *Store) Mutate(fn func(State) State) (before, after State) {
	s.lock.Lock()
	defer s.lock.Unlock()
	before = s.state
	next := fn(before)
	next.Difficulty = s.limits.Clamp(next.Difficulty)
	next.Started = next.Started || before.Started
	next.Revision = before.Revision
	if next == before {
		return before, next
	}
	next.Revision++
	s.state = next
	for _, c := range s.watchers {
		// Coalescing: a watcher that hasn't caught up yet already has a pending signal.
		select {
		case c <- struct{}{}:
		default:
		}
	}
	return before, next
}

// Watch returns a channel that receives a value after state changes.  Signals are coalesced,
// so a slow reader sees one signal for many changes and should re-read the Snapshot.  The
// returned func stops the watch and closes the channel.
func (s *Store) Watch() (<-chan struct{}, func()) {
	c := make(chan struct{}, 1)
	s.lock.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = c
	s.lock.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			s.lock.Lock()
			defer s.lock.Unlock()
			delete(s.watchers, id)
			close(c)
		})
	}
}
