// Package session holds the broker's routable state: the Session record and
// the Registry that owns every live Session. All mutation of the live set
// goes through the Registry; everything handed out of it is a copy.
package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAllocationExhausted = errors.New("no free proxy port in range")
	ErrDuplicateAccessCode = errors.New("access code already registered")
	ErrDuplicatePort       = errors.New("proxy port already registered")
	ErrDuplicateSession    = errors.New("session already registered for user, project and app kind")
	ErrUnknownSession      = errors.New("no session for access code")
	ErrSessionNotReady     = errors.New("session is still provisioning")
)

// User is an identity reference. Only ID is meaningful to the broker; the
// remaining fields are carried through from the metadata service.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Project is a project reference, opaque beyond its ID.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

// Session binds a user, a project and an application kind to one access
// code, one proxy port and (once provisioned) one backend container.
//
// Sessions are value types outside the Registry: lookups return copies, so
// a caller never observes a half-applied mutation.
type Session struct {
	AccessCode  string
	User        User
	Project     Project
	AppKind     string
	ProxyPort   int
	ContainerID string
	CreatedAt   time.Time

	// Routable is set by the Registry once the backend container is
	// confirmed. The Router must not forward to a session before that.
	Routable bool
}

// Target is the internal address the Router forwards matched traffic to.
// Session containers publish their application port on the loopback
// interface at ProxyPort.
func (s Session) Target() string {
	return fmt.Sprintf("127.0.0.1:%d", s.ProxyPort)
}

// Name returns the container name for this session, one per
// (appKind, project, user), matching what the runtime creates.
func (s Session) Name() string {
	return fmt.Sprintf("%s-session-p%su%s", s.AppKind, s.Project.ID, s.User.ID)
}
