// Package router resolves inbound requests to backend proxy targets and
// forwards HTTP and WebSocket traffic to them.
package router

import (
	"errors"
	"net/http"
	"strings"

	"github.com/humlab-speech/approuter/session"
)

// ErrMissingAccessCode means the request carried no session cookie. The
// HTTP layer turns it into a 4xx response; the router writes nothing.
var ErrMissingAccessCode = errors.New("no session access code in request")

// Target is a resolved forwarding decision.
type Target struct {
	// Addr is the backend host:port the session's container listens on.
	Addr string
	// WebSocket reports whether the request is a WebSocket upgrade and
	// must be forwarded frame-for-frame rather than as a buffered HTTP
	// exchange.
	WebSocket bool
}

type Router struct {
	registry *session.Registry
	cookie   string
}

func New(registry *session.Registry, cookieName string) *Router {
	return &Router{registry: registry, cookie: cookieName}
}

// AccessCode extracts the session access code from the request's cookie
// header. Cookies are split on "; " and on the first "="; if the header
// names the session cookie more than once the last occurrence wins, which
// matches how duplicate cookies fold in practice.
func (rt *Router) AccessCode(r *http.Request) (string, error) {
	code := ""
	for _, header := range r.Header.Values("Cookie") {
		for _, cookie := range strings.Split(header, "; ") {
			name, value, found := strings.Cut(cookie, "=")
			if found && name == rt.cookie {
				code = value
			}
		}
	}
	if code == "" {
		return "", ErrMissingAccessCode
	}
	return code, nil
}

// Resolve maps a request to its forwarding target: extract the access
// code, look the session up, and refuse sessions that are still
// provisioning. It reads the registry and nothing else.
func (rt *Router) Resolve(r *http.Request) (Target, error) {
	code, err := rt.AccessCode(r)
	if err != nil {
		return Target{}, err
	}

	sess, err := rt.registry.FindRoutable(code)
	if err != nil {
		return Target{}, err
	}

	return Target{
		Addr:      sess.Target(),
		WebSocket: isWebSocketUpgrade(r),
	}, nil
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}
