package narrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dotsetgreg/loreweaver/pkg/memory"
)

// ErrTurnInProgress is returned by TryGenerate while the session is busy.
var ErrTurnInProgress = errors.New("narrator: turn already in progress for this session")

// SessionState is the plain structure exchanged with the external store.
type SessionState struct {
	Context         string           `json:"context"`
	History         []string         `json:"history"`
	CurrentLocation string           `json:"current_location"`
	Memory          *memory.Snapshot `json:"memory,omitempty"`
}

// Session owns one player's Memory and History. Turns on a session run one
// at a time; the semaphore is held for the whole turn.
type Session struct {
	ID string

	sem     *semaphore.Weighted
	context string
	mem     *memory.Memory
	hist    *memory.History

	// lastLocation mirrors mem.CurrentLocation as of the last finished turn,
	// readable without the semaphore.
	lastLocation atomic.Value
}

func newSession(id, startingLocation string, opts memory.HistoryOptions) *Session {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		ID:   id,
		sem:  semaphore.NewWeighted(1),
		mem:  memory.New(startingLocation),
		hist: memory.NewHistory(opts),
	}
	s.noteLocation()
	return s
}

func restoreSession(id string, state SessionState, startingLocation string, opts memory.HistoryOptions) (*Session, error) {
	s := newSession(id, startingLocation, opts)
	s.context = state.Context
	if state.Memory != nil {
		snap := *state.Memory
		if snap.CurrentLocation == "" {
			snap.CurrentLocation = firstNonEmpty(state.CurrentLocation, startingLocation)
		}
		mem, err := memory.FromSnapshot(snap)
		if err != nil {
			return nil, fmt.Errorf("restore session %s: %w", s.ID, err)
		}
		s.mem = mem
	} else if loc := strings.TrimSpace(state.CurrentLocation); loc != "" {
		s.mem.UpdateLocation(loc)
	}
	if len(state.History) > 0 {
		s.hist = memory.NewHistoryFrom(opts, state.History)
	}
	s.noteLocation()
	return s, nil
}

// State snapshots the session for persistence. It waits for an in-flight
// turn to finish.
func (s *Session) State(ctx context.Context) (SessionState, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return SessionState{}, err
	}
	defer s.sem.Release(1)

	snap := s.mem.Snapshot()
	return SessionState{
		Context:         s.context,
		History:         s.hist.Entries(),
		CurrentLocation: s.mem.CurrentLocation,
		Memory:          &snap,
	}, nil
}

// Inspect runs fn with exclusive access to the session's memory and history.
func (s *Session) Inspect(ctx context.Context, fn func(m *memory.Memory, h *memory.History)) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	fn(s.mem, s.hist)
	s.noteLocation()
	return nil
}

// LastLocation is the location at the end of the last finished turn. It does
// not wait for an in-flight turn.
func (s *Session) LastLocation() string {
	loc, _ := s.lastLocation.Load().(string)
	return loc
}

// noteLocation must be called with the semaphore held or before the session
// is shared.
func (s *Session) noteLocation() {
	s.lastLocation.Store(s.mem.CurrentLocation)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
