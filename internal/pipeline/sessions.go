package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/bobarin/storyvoice/internal/logger"
	"github.com/bobarin/storyvoice/internal/models"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// Store persists the generated state of a project.
type Store interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	SaveProjectState(ctx context.Context, id uuid.UUID, scenes models.Scenes, reference *models.Image) error
}

const (
	persistTimeout = 30 * time.Second

	DefaultIdleTTL = 30 * time.Minute
)

// Sessions keeps one Controller per open project so that in-flight jobs and
// bulk reports survive across requests. Sessions not used for the idle TTL
// are dropped; a busy session is kept until its jobs finish.
type Sessions struct {
	store Store
	gen   Generator
	opts  Options
	log   *logger.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*session

	// idle tracks the last use of each session; expiry triggers eviction
	idle *cache.Cache
}

type session struct {
	ctrl *Controller

	saveMu    sync.Mutex
	lastSaved uint64
}

func NewSessions(store Store, gen Generator, pacing, idleTTL time.Duration, log *logger.Logger) *Sessions {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	s := &Sessions{
		store:    store,
		gen:      gen,
		opts:     Options{Pacing: pacing},
		log:      log.With("service", "Sessions"),
		sessions: make(map[uuid.UUID]*session),
		idle:     cache.New(idleTTL, idleTTL/2),
	}
	s.idle.OnEvicted(s.expire)
	return s
}

// touch restarts the idle clock of a session.
func (s *Sessions) touch(id uuid.UUID, sess *session) {
	s.idle.SetDefault(id.String(), sess)
}

// expire runs when a session's idle clock runs out or its entry is deleted.
func (s *Sessions) expire(key string, v interface{}) {
	id, err := uuid.Parse(key)
	if err != nil {
		return
	}
	sess := v.(*session)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[id] != sess {
		// already evicted or reopened
		return
	}
	if sess.ctrl.Busy() {
		s.touch(id, sess)
		return
	}
	delete(s.sessions, id)
	s.log.Debug("Idle session dropped", "project_id", key)
}

// Get returns the controller for a project, loading it on first use.
func (s *Sessions) Get(ctx context.Context, id uuid.UUID) (*Controller, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok {
		s.touch(id, sess)
		s.mu.Unlock()
		return sess.ctrl, nil
	}
	s.mu.Unlock()

	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// another request may have loaded it meanwhile
	if sess, ok := s.sessions[id]; ok {
		s.touch(id, sess)
		return sess.ctrl, nil
	}

	sess := &session{}
	opts := s.opts
	opts.OnChange = func(snap Snapshot) { s.persist(id, sess, snap) }
	sess.ctrl = NewController(s.gen, project.Scenes, project.ReferenceImage, opts, s.log)
	s.sessions[id] = sess
	s.touch(id, sess)
	return sess.ctrl, nil
}

// Peek returns the controller for a project only if it is already loaded.
// It does not count as a use.
func (s *Sessions) Peek(id uuid.UUID) (*Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.ctrl, true
}

// persist writes snap unless a newer snapshot was already written.
func (s *Sessions) persist(id uuid.UUID, sess *session, snap Snapshot) {
	sess.saveMu.Lock()
	defer sess.saveMu.Unlock()
	if snap.Version <= sess.lastSaved {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.SaveProjectState(ctx, id, snap.Scenes, snap.Reference); err != nil {
		s.log.Error("Failed to persist project state", "project_id", id.String(), "version", snap.Version, "error", err.Error())
		return
	}
	sess.lastSaved = snap.Version
}

// Evict drops the cached controller, e.g. after the project is deleted or
// its scenes are edited outside the pipeline. Busy controllers are kept.
func (s *Sessions) Evict(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return true
	}
	if sess.ctrl.Busy() {
		return false
	}
	// the idle entry is left to expire; expire ignores sessions no longer
	// in the map
	delete(s.sessions, id)
	return true
}

// Len is the number of open sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
