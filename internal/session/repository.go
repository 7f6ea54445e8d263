package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"
)

// RemoveReason records why a session was destroyed.
type RemoveReason string

const (
	ReasonStopped  RemoveReason = "stopped"
	ReasonExpired  RemoveReason = "expired"
	ReasonEvicted  RemoveReason = "evicted"
	ReasonCorrupt  RemoveReason = "corrupt"
	ReasonRollback RemoveReason = "rollback"
	ReasonDead     RemoveReason = "dead"
)

const (
	maxIDAttempts   = 8
	stagingMaxAge   = time.Minute
	defaultMaxCount = 8
	defaultTTL      = 2 * time.Hour
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Store       Store
	MaxSessions int
	TTL         time.Duration
	// Release runs before a session directory is deleted, e.g. to terminate
	// an owned process. Failures must be handled inside Release.
	Release func(Session)
	// OnRemove observes every removal (metrics).
	OnRemove func(RemoveReason)
	Logger   *slog.Logger
	Now      func() time.Time
}

// Registry applies the session lifecycle policy (capacity, TTL, corrupt
// cleanup) on top of a Store. It holds no in-memory session state: the store
// is the only source of truth, so several processes may share one root.
type Registry struct {
	store    Store
	max      int
	ttl      time.Duration
	release  func(Session)
	onRemove func(RemoveReason)
	log      *slog.Logger
	now      func() time.Time
}

// NewRegistry returns a Registry for cfg. MaxSessions and TTL fall back to
// small finite defaults when unset.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxCount
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		store:    cfg.Store,
		max:      cfg.MaxSessions,
		ttl:      cfg.TTL,
		release:  cfg.Release,
		onRemove: cfg.OnRemove,
		log:      cfg.Logger,
		now:      cfg.Now,
	}
}

// MaxSessions returns the capacity limit.
func (r *Registry) MaxSessions() int { return r.max }

// TTL returns the idle lifetime of a session.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Dir returns the directory of id.
func (r *Registry) Dir(id string) string { return r.store.Dir(id) }

// Prepare runs the admission sweep: drops expired and corrupt sessions,
// stale staging directories, and evicts least recently used sessions until
// there is room for one more.
func (r *Registry) Prepare() {
	r.store.PruneStaging(r.now().Add(-stagingMaxAge))
	r.SweepExpired()
	r.EnforceCapacity()
}

// Create allocates a fresh id and persists a new session for sourceURL.
// fill may set manager-specific fields before the session is written.
func (r *Registry) Create(sourceURL string, fill func(*Session)) (Session, error) {
	now := r.now().Unix()
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := NewID()
		if err != nil {
			return Session{}, fmt.Errorf("generate session id: %w", err)
		}
		s := Session{
			ID:           id,
			SourceURL:    sourceURL,
			CreatedAt:    now,
			LastAccessAt: now,
		}
		if fill != nil {
			fill(&s)
		}
		err = r.store.Create(s)
		if errors.Is(err, ErrExists) {
			continue
		}
		if err != nil {
			return Session{}, err
		}
		return s, nil
	}
	return Session{}, fmt.Errorf("allocate session id: %d collisions", maxIDAttempts)
}

// Get returns the live session id. Unknown, malformed, corrupt and expired
// sessions all yield ErrNotFound; corrupt and expired ones are removed.
func (r *Registry) Get(id string) (Session, error) {
	if !ValidID(id) {
		return Session{}, ErrNotFound
	}
	s, err := r.store.Read(id)
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			r.log.Warn("removing corrupt session", slog.String("session_id", id), slog.String("error", err.Error()))
			r.Remove(id, ReasonCorrupt)
		}
		return Session{}, ErrNotFound
	}
	if s.Expired(r.now(), r.ttl) {
		r.remove(s, true, ReasonExpired)
		return Session{}, ErrNotFound
	}
	return s, nil
}

// Touch records an access to s and persists it.
func (r *Registry) Touch(s Session) (Session, error) {
	s.LastAccessAt = r.now().Unix()
	if err := r.store.Write(s); err != nil {
		return s, err
	}
	return s, nil
}

// Update persists s.
func (r *Registry) Update(s Session) error {
	return r.store.Write(s)
}

// Remove destroys id: Release runs if metadata is readable, then the
// directory is deleted. Failures are logged, never returned.
func (r *Registry) Remove(id string, reason RemoveReason) {
	if !ValidID(id) {
		return
	}
	s, err := r.store.Read(id)
	if err != nil {
		s = Session{ID: id}
	}
	r.remove(s, err == nil, reason)
}

func (r *Registry) remove(s Session, release bool, reason RemoveReason) {
	if release && r.release != nil {
		r.release(s)
	}
	if err := r.store.Delete(s.ID); err != nil {
		r.log.Warn("session cleanup failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		return
	}
	r.log.Debug("session removed", slog.String("session_id", s.ID), slog.String("reason", string(reason)))
	if r.onRemove != nil {
		r.onRemove(reason)
	}
}

// List returns every readable session. Corrupt entries are removed on the way.
func (r *Registry) List() []Session {
	ids, err := r.store.List()
	if err != nil {
		r.log.Warn("list sessions failed", slog.String("error", err.Error()))
		return nil
	}
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.store.Read(id)
		if err != nil {
			if errors.Is(err, ErrCorrupt) {
				r.Remove(id, ReasonCorrupt)
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// Count returns the number of readable sessions. Unlike List it never
// removes anything, so it is safe on read-only paths such as metric scrapes.
func (r *Registry) Count() int {
	ids, err := r.store.List()
	if err != nil {
		return 0
	}
	n := 0
	for _, id := range ids {
		if _, err := r.store.Read(id); err == nil {
			n++
		}
	}
	return n
}

// SweepExpired removes every session idle for longer than the TTL and
// returns how many were removed.
func (r *Registry) SweepExpired() int {
	now := r.now()
	n := 0
	for _, s := range r.List() {
		if s.Expired(now, r.ttl) {
			r.remove(s, true, ReasonExpired)
			n++
		}
	}
	return n
}

// EnforceCapacity evicts the least recently accessed sessions until fewer
// than MaxSessions remain, and returns how many were evicted.
func (r *Registry) EnforceCapacity() int {
	live := r.List()
	if len(live) < r.max {
		return 0
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].LastAccessAt == live[j].LastAccessAt {
			return live[i].CreatedAt < live[j].CreatedAt
		}
		return live[i].LastAccessAt < live[j].LastAccessAt
	})
	excess := len(live) - r.max + 1
	for _, s := range live[:excess] {
		r.log.Info("evicting session", slog.String("session_id", s.ID), slog.Int64("last_access_at", s.LastAccessAt))
		r.remove(s, true, ReasonEvicted)
	}
	return excess
}
