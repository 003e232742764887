// Package staging keeps the per-session set of staged uploads and the merge
// result built from them until it is promoted or expires.
//
// The store is process-local. Every entry point that touches a session must
// run in the same process, either by pinning sessions to one instance or by
// replacing Store with a shared key-value service that has native TTLs.
package staging

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Lllllllleong/signingdocumentflow/internal/apperr"
)

// DefaultTTL is how long a session lives after its first staged upload.
const DefaultTTL = time.Hour

// State is the lifecycle position of a session.
type State string

const (
	StateStaging  State = "staging"
	StateMerged   State = "merged"
	StatePromoted State = "promoted"
	StateExpired  State = "expired"
)

// Blob is one staged upload. It belongs to its session unless DocumentID
// names a temporary Document that owns the object.
type Blob struct {
	SessionID    string    `json:"sessionId"`
	DocumentID   string    `json:"documentId,omitempty"`
	RelativePath string    `json:"relativePath"`
	SizeBytes    int64     `json:"sizeBytes"`
	ContentType  string    `json:"contentType"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Result is a merged artifact held in memory until promotion. Bytes is never
// modified after the result is stored; a new merge replaces the whole value.
type Result struct {
	ID           string
	FileName     string
	Bytes        []byte
	TotalPages   int
	OriginalSize int64
	Optimized    bool
	CreatedAt    time.Time
}

// Session is a snapshot of one merge session.
type Session struct {
	ID        string
	State     State
	Blobs     []Blob
	Result    *Result
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Blob returns the staged blob at relativePath.
func (s Session) Blob(relativePath string) (Blob, bool) {
	for _, b := range s.Blobs {
		if b.RelativePath == relativePath {
			return b, true
		}
	}
	return Blob{}, false
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for eviction messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store maps session ids to sessions. Expired sessions are swept on every
// access instead of by a timer.
type Store struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
	sessions map[string]*Session
	results  map[string]string // result id -> session id
}

// NewStore builds an empty store. A non-positive ttl means DefaultTTL.
func NewStore(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*Session),
		results:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// TTL returns the configured session lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Put records a staged blob, creating the session on first use. Staging the
// same path twice replaces the earlier entry.
func (s *Store) Put(sessionID string, blob Blob) (Session, error) {
	if sessionID == "" {
		return Session{}, apperr.Validationf("session id is required")
	}
	if blob.RelativePath == "" {
		return Session{}, apperr.Validationf("staged blob path is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)

	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &Session{
			ID:        sessionID,
			State:     StateStaging,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		s.sessions[sessionID] = sess
	}
	blob.SessionID = sessionID
	if blob.CreatedAt.IsZero() {
		blob.CreatedAt = now
	}

	replaced := false
	blobs := make([]Blob, 0, len(sess.Blobs)+1)
	for _, b := range sess.Blobs {
		if b.RelativePath == blob.RelativePath {
			b = blob
			replaced = true
		}
		blobs = append(blobs, b)
	}
	if !replaced {
		blobs = append(blobs, blob)
	}
	sess.Blobs = blobs
	sess.State = StateStaging
	return snapshot(sess), nil
}

// Get returns a snapshot of the session.
func (s *Store) Get(sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, apperr.NotFound("session", sessionID)
	}
	return snapshot(sess), nil
}

// Delete drops a session and its merge result. It reports whether the
// session existed.
func (s *Store) Delete(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())

	sess, ok := s.sessions[sessionID]
	if ok {
		s.removeLocked(sess)
	}
	return ok
}

// SetResult stores res as the session's only merge result, replacing and
// unindexing any earlier one.
func (s *Store) SetResult(sessionID string, res Result) error {
	if res.ID == "" {
		return apperr.Validationf("merge result id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)

	sess, ok := s.sessions[sessionID]
	if !ok {
		return apperr.NotFound("session", sessionID)
	}
	if sess.Result != nil {
		delete(s.results, sess.Result.ID)
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	r := res
	sess.Result = &r
	sess.State = StateMerged
	s.results[r.ID] = sessionID
	return nil
}

// Result returns the merge result for preview without consuming it.
func (s *Store) Result(resultID string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())

	sess, ok := s.sessionForResultLocked(resultID)
	if !ok {
		return Result{}, apperr.NotFound("merge result", resultID)
	}
	return *sess.Result, nil
}

// Take removes the session owning resultID and returns it together with the
// result. Reading and removing happen under one lock, so a concurrent merge or
// sweep either precedes the promotion entirely or finds nothing.
func (s *Store) Take(resultID string) (Session, Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())

	sess, ok := s.sessionForResultLocked(resultID)
	if !ok {
		return Session{}, Result{}, apperr.NotFound("merge result", resultID)
	}
	res := *sess.Result
	s.removeLocked(sess)

	snap := snapshot(sess)
	snap.State = StatePromoted
	return snap, res, nil
}

// Restore puts back a session returned by Take after the promotion that took
// it failed. It is a no-op when the session expired in the meantime or a new
// session with the same id was started, and reports whether it restored.
func (s *Store) Restore(sess Session, res Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)

	if _, taken := s.sessions[sess.ID]; taken || !now.Before(sess.ExpiresAt) {
		return false
	}
	restored := sess
	restored.Blobs = append([]Blob(nil), sess.Blobs...)
	r := res
	restored.Result = &r
	restored.State = StateMerged
	s.sessions[sess.ID] = &restored
	s.results[r.ID] = sess.ID
	return true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())
	return len(s.sessions)
}

// Sweep evicts expired sessions and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

func (s *Store) sweepLocked(now time.Time) int {
	evicted := 0
	for id, sess := range s.sessions {
		if now.Before(sess.ExpiresAt) {
			continue
		}
		sess.State = StateExpired
		s.removeLocked(sess)
		evicted++
		s.logger.Info("Evicted expired staging session.", "sessionId", id, "blobCount", len(sess.Blobs))
	}
	return evicted
}

func (s *Store) removeLocked(sess *Session) {
	if sess.Result != nil {
		delete(s.results, sess.Result.ID)
	}
	delete(s.sessions, sess.ID)
}

func (s *Store) sessionForResultLocked(resultID string) (*Session, bool) {
	sessionID, ok := s.results[resultID]
	if !ok {
		return nil, false
	}
	sess, ok := s.sessions[sessionID]
	if !ok || sess.Result == nil || sess.Result.ID != resultID {
		return nil, false
	}
	return sess, true
}

func snapshot(sess *Session) Session {
	out := *sess
	out.Blobs = append([]Blob(nil), sess.Blobs...)
	if sess.Result != nil {
		r := *sess.Result
		out.Result = &r
	}
	return out
}
