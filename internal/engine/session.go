package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/geostash/geostash/internal/model"
)

// Phase is a download session lifecycle state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseEstimating  Phase = "estimating"
	PhaseDownloading Phase = "downloading"
	PhaseSaving      Phase = "saving"
	PhaseComplete    Phase = "complete"
	PhaseCancelled   Phase = "cancelled"
	PhaseError       Phase = "error"
)

// Terminal reports whether the phase ends the session.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseCancelled || p == PhaseError
}

// Snapshot is a point-in-time view of session progress.
type Snapshot struct {
	ID        int64            `json:"id"`
	Kind      model.RegionKind `json:"kind"`
	Phase     Phase            `json:"phase"`
	Total     int              `json:"total"`
	Processed int              `json:"processed"`
	Failed    int              `json:"failed"`
	Count     int64            `json:"count"`
	Bytes     int64            `json:"bytes,omitempty"`
	Percent   float64          `json:"percent"`
	Warnings  int              `json:"warnings,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// Session is one in-flight download with its progress state. All mutation
// goes through update/finish so subscribers always see consistent snapshots.
type Session struct {
	id     int64
	kind   model.RegionKind
	cancel context.CancelFunc

	mu       sync.Mutex
	snap     Snapshot
	subs     []chan Snapshot
	stopTick chan struct{}
}

// ID returns the session's monotonically assigned id.
func (s *Session) ID() int64 { return s.id }

// Kind returns what the session downloads.
func (s *Session) Kind() model.RegionKind { return s.kind }

// Snapshot returns the current progress view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Subscribe returns a channel of progress snapshots. Slow subscribers miss
// intermediate updates rather than blocking the session.
func (s *Session) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	ch <- s.snap
	s.mu.Unlock()
	return ch
}

// update applies fn to the snapshot and publishes it. Updates after a
// terminal phase are discarded. Processed never moves backwards and percent
// is recomputed from real counters, overwriting any synthetic value.
func (s *Session) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Phase.Terminal() {
		return
	}

	prevProcessed := s.snap.Processed
	fn(&s.snap)
	if s.snap.Processed < prevProcessed {
		s.snap.Processed = prevProcessed
	}
	if s.snap.Total > 0 {
		s.snap.Percent = float64(s.snap.Processed) / float64(s.snap.Total) * 100
	}
	s.publishLocked()
}

// finish moves the session to a terminal phase exactly once.
func (s *Session) finish(phase Phase, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Phase.Terminal() {
		return
	}
	s.snap.Phase = phase
	s.snap.Message = msg
	if phase == PhaseComplete {
		s.snap.Percent = 100
	}
	close(s.stopTick)
	s.publishLocked()
}

func (s *Session) publishLocked() {
	for _, ch := range s.subs {
		select {
		case ch <- s.snap:
		default:
		}
	}
}

// synthetic nudges the percent toward the next real unit boundary so the UI
// moves between updates of a slow unit. It never reaches the boundary and is
// overwritten by the next real update.
func (s *Session) synthetic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Phase != PhaseDownloading || s.snap.Total == 0 {
		return
	}
	ceiling := float64(s.snap.Processed+1)/float64(s.snap.Total)*100 - 0.1
	if ceiling > 99.9 {
		ceiling = 99.9
	}
	if s.snap.Percent < ceiling {
		s.snap.Percent += (ceiling - s.snap.Percent) * 0.2
		s.publishLocked()
	}
}

// Manager enforces one in-flight session per kind and hands out session ids.
// With a single active writer per kind the store never sees concurrent
// writes from competing sessions.
type Manager struct {
	mu     sync.Mutex
	nextID int64
	active map[model.RegionKind]*Session

	grace        time.Duration
	tickInterval time.Duration
}

// NewManager creates a Manager. grace is how long a terminal snapshot stays
// readable before the slot frees up for the next session.
func NewManager(grace time.Duration) *Manager {
	return &Manager{
		active:       make(map[model.RegionKind]*Session),
		grace:        grace,
		tickInterval: 500 * time.Millisecond,
	}
}

// Start claims the slot for kind. It returns nil if a session of that kind
// is already active; requests are rejected, never queued.
func (m *Manager) Start(ctx context.Context, kind model.RegionKind) (*Session, context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[kind]; ok {
		return nil, nil
	}

	m.nextID++
	sctx, cancel := context.WithCancel(ctx)
	sess := &Session{
		id:       m.nextID,
		kind:     kind,
		cancel:   cancel,
		snap:     Snapshot{ID: m.nextID, Kind: kind, Phase: PhaseIdle},
		stopTick: make(chan struct{}),
	}
	m.active[kind] = sess

	go m.runTicker(sess)
	zap.L().Info("session started", zap.Int64("session", sess.id), zap.String("kind", string(kind)))
	return sess, sctx
}

// Update applies a progress mutation to the session with the given id. A
// stale id (session already replaced or cleared) is discarded.
func (m *Manager) Update(id int64, fn func(*Snapshot)) bool {
	sess := m.byID(id)
	if sess == nil {
		return false
	}
	sess.update(fn)
	return true
}

// Finish moves the session to a terminal phase and schedules the slot to
// clear after the grace period. The session context is released here so a
// finished session holds no reference to its parent.
func (m *Manager) Finish(id int64, phase Phase, msg string) {
	sess := m.byID(id)
	if sess == nil {
		return
	}
	sess.finish(phase, msg)
	sess.cancel()
	zap.L().Info("session finished",
		zap.Int64("session", id), zap.String("phase", string(phase)))

	time.AfterFunc(m.grace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.active[sess.kind]; ok && cur.id == id {
			delete(m.active, sess.kind)
		}
	})
}

// Cancel fires the session context for kind. Cancellation is a normal
// outcome: the phase becomes cancelled and no error is surfaced.
func (m *Manager) Cancel(kind model.RegionKind) bool {
	m.mu.Lock()
	sess, ok := m.active[kind]
	m.mu.Unlock()
	if !ok {
		return false
	}
	sess.cancel()
	return true
}

// Active returns the in-flight session for kind, if any.
func (m *Manager) Active(kind model.RegionKind) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[kind]
}

// Sessions returns a snapshot per active session.
func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

func (m *Manager) byID(id int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.active {
		if s.id == id {
			return s
		}
	}
	return nil
}

func (m *Manager) runTicker(sess *Session) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.stopTick:
			return
		case <-ticker.C:
			sess.synthetic()
		}
	}
}
