package session

import (
	"fmt"
	"sync"
	"time"
)

// maxCodeAttempts bounds collision regeneration when reserving an access
// code. With a 32^32 code space this never triggers in practice.
const maxCodeAttempts = 5

type ownerKey struct {
	userID    string
	projectID string
	appKind   string
}

// Registry is the authoritative set of live sessions. One mutex guards the
// primary store, both lookup indexes and port occupancy, so every
// check-and-insert (user/project dedup, code collision, port allocation)
// is a single atomic operation.
type Registry struct {
	mu      sync.Mutex
	gen     func() string
	ports   *portAllocator
	order   []*Session
	byCode  map[string]*Session
	byOwner map[ownerKey]*Session
}

func NewRegistry(portMin, portMax int) *Registry {
	return &Registry{
		gen:     GenerateAccessCode,
		ports:   newPortAllocator(portMin, portMax),
		byCode:  make(map[string]*Session),
		byOwner: make(map[ownerKey]*Session),
	}
}

// Reserve returns the existing session for (user, project, appKind) or,
// when none exists, creates a provisioning session holding a fresh access
// code and the lowest free proxy port. The dedup check, code generation,
// port allocation and insert happen under one lock so two concurrent
// reservations for the same owner can never both create a session.
//
// The second return value reports whether an existing session was found.
func (r *Registry) Reserve(user User, project Project, appKind string) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ownerKey{userID: user.ID, projectID: project.ID, appKind: appKind}
	if existing, ok := r.byOwner[key]; ok {
		return *existing, true, nil
	}

	code, err := r.freshCodeLocked()
	if err != nil {
		return Session{}, false, err
	}

	port, err := r.ports.allocate()
	if err != nil {
		return Session{}, false, fmt.Errorf("reserve session for user %s project %s: %w", user.ID, project.ID, err)
	}

	sess := &Session{
		AccessCode: code,
		User:       user,
		Project:    project,
		AppKind:    appKind,
		ProxyPort:  port,
		CreatedAt:  time.Now(),
	}
	r.insertLocked(sess, key)
	return *sess, false, nil
}

// Insert adds a fully specified session, claiming its proxy port. Callers
// are expected to have used Reserve or AdoptRoutable; the duplicate errors
// here indicate a caller bug, not an expected path.
func (r *Registry) Insert(sess Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byCode[sess.AccessCode]; ok {
		return ErrDuplicateAccessCode
	}
	key := ownerKey{userID: sess.User.ID, projectID: sess.Project.ID, appKind: sess.AppKind}
	if _, ok := r.byOwner[key]; ok {
		return ErrDuplicateSession
	}
	if err := r.ports.claim(sess.ProxyPort); err != nil {
		return err
	}

	s := sess
	r.insertLocked(&s, key)
	return nil
}

// AdoptRoutable inserts a session reconstructed from an already-running
// container: the access code is taken as given, a fresh proxy port is
// allocated, and the session is routable immediately.
func (r *Registry) AdoptRoutable(sess Session) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byCode[sess.AccessCode]; ok {
		return Session{}, ErrDuplicateAccessCode
	}
	key := ownerKey{userID: sess.User.ID, projectID: sess.Project.ID, appKind: sess.AppKind}
	if _, ok := r.byOwner[key]; ok {
		return Session{}, ErrDuplicateSession
	}

	port, err := r.ports.allocate()
	if err != nil {
		return Session{}, fmt.Errorf("adopt session %s: %w", sess.AccessCode, err)
	}

	s := sess
	s.ProxyPort = port
	s.Routable = true
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	r.insertLocked(&s, key)
	return s, nil
}

// MarkRoutable records the backend container for a provisioning session and
// opens it up for routing.
func (r *Registry) MarkRoutable(code, containerID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byCode[code]
	if !ok {
		return Session{}, ErrUnknownSession
	}
	sess.ContainerID = containerID
	sess.Routable = true
	return *sess, nil
}

// FindByAccessCode returns the session for an access code in any state.
// Used for dedup and lifecycle lookups, not for routing.
func (r *Registry) FindByAccessCode(code string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byCode[code]
	if !ok {
		return Session{}, ErrUnknownSession
	}
	return *sess, nil
}

// FindRoutable is the routing lookup: it fails with ErrSessionNotReady for
// a session whose backend is not confirmed yet.
func (r *Registry) FindRoutable(code string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byCode[code]
	if !ok {
		return Session{}, ErrUnknownSession
	}
	if !sess.Routable {
		return Session{}, ErrSessionNotReady
	}
	return *sess, nil
}

func (r *Registry) FindByUserProject(userID, projectID, appKind string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byOwner[ownerKey{userID: userID, projectID: projectID, appKind: appKind}]
	if !ok {
		return Session{}, ErrUnknownSession
	}
	return *sess, nil
}

// ListByUser returns the user's sessions in insertion order.
func (r *Registry) ListByUser(userID string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]Session, 0)
	for _, sess := range r.order {
		if sess.User.ID == userID {
			sessions = append(sessions, *sess)
		}
	}
	return sessions
}

// Remove deletes the session for an access code and releases its proxy
// port. Removing an absent code is a no-op.
func (r *Registry) Remove(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byCode[code]
	if !ok {
		return
	}
	delete(r.byCode, code)
	delete(r.byOwner, ownerKey{userID: sess.User.ID, projectID: sess.Project.ID, appKind: sess.AppKind})
	r.ports.release(sess.ProxyPort)
	for i, s := range r.order {
		if s == sess {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// ContainerIDs returns the container identifiers referenced by live
// sessions. Sessions still provisioning (no container yet) are excluded.
func (r *Registry) ContainerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.order))
	for _, sess := range r.order {
		if sess.ContainerID != "" {
			ids = append(ids, sess.ContainerID)
		}
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *Registry) PortsInUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ports.held()
}

func (r *Registry) freshCodeLocked() (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code := r.gen()
		if _, ok := r.byCode[code]; !ok {
			return code, nil
		}
	}
	return "", fmt.Errorf("generate access code: %d collisions in a row", maxCodeAttempts)
}

func (r *Registry) insertLocked(sess *Session, key ownerKey) {
	r.byCode[sess.AccessCode] = sess
	r.byOwner[key] = sess
	r.order = append(r.order, sess)
}
