package router

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/humlab-speech/approuter/session"
)

// Hop-by-hop headers are stripped before forwarding; they describe the
// client connection, not the backend one.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy is the inbound routing surface: every request that is not broker
// API traffic lands here and is forwarded to the session container the
// request's cookie resolves to.
type Proxy struct {
	router     *Router
	httpClient *http.Client
	upgrader   websocket.Upgrader
	dialer     *websocket.Dialer
}

func NewProxy(router *Router) *Proxy {
	return &Proxy{
		router: router,
		httpClient: &http.Client{
			// Interactive IDE requests can hold long; the per-request
			// context still bounds them.
			Timeout: 5 * time.Minute,
			// Redirects belong to the backend application; return them
			// to the browser untouched.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The session cookie is the access control here; origins vary
			// by deployment.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := p.router.Resolve(r)
	if err != nil {
		writeRoutingFailure(w, err)
		return
	}

	if target.WebSocket {
		p.forwardWebSocket(w, r, target)
		return
	}
	p.forwardHTTP(w, r, target)
}

func writeRoutingFailure(w http.ResponseWriter, err error) {
	status := http.StatusNotFound
	msg := "no active session for this request"
	switch {
	case errors.Is(err, ErrMissingAccessCode):
		msg = "no session cookie present"
	case errors.Is(err, session.ErrSessionNotReady):
		status = http.StatusServiceUnavailable
		msg = "session is still starting"
	case errors.Is(err, session.ErrUnknownSession):
		// default message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"msg": msg, "level": "error"})
}

func (p *Proxy) forwardHTTP(w http.ResponseWriter, r *http.Request, target Target) {
	url := "http://" + target.Addr + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	req.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	req.Header.Set("X-Forwarded-For", r.RemoteAddr)
	req.Header.Set("X-Forwarded-Host", r.Host)
	req.Header.Set("X-Forwarded-Proto", forwardedProto(r))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		log.Printf("[router] forward to %s failed: %v", target.Addr, err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for key, values := range resp.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("[router] copy response from %s: %v", target.Addr, err)
	}
}

// forwardWebSocket upgrades the inbound connection and pipes frames both
// ways until either side closes. The upgrade handshake is re-performed
// against the backend rather than spliced, which keeps both legs as
// well-formed WebSocket connections.
func (p *Proxy) forwardWebSocket(w http.ResponseWriter, r *http.Request, target Target) {
	backendURL := "ws://" + target.Addr + r.URL.RequestURI()

	requestHeader := http.Header{}
	if cookie := r.Header.Get("Cookie"); cookie != "" {
		requestHeader.Set("Cookie", cookie)
	}
	if origin := r.Header.Get("Origin"); origin != "" {
		requestHeader.Set("Origin", origin)
	}

	backend, resp, err := p.dialer.Dial(backendURL, requestHeader)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		log.Printf("[router] websocket dial %s failed: %v", target.Addr, err)
		http.Error(w, "bad gateway", status)
		return
	}
	defer backend.Close()

	client, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer client.Close()

	errChan := make(chan error, 2)
	go pipeWebSocket(client, backend, errChan)
	go pipeWebSocket(backend, client, errChan)
	<-errChan
}

func pipeWebSocket(dst, src *websocket.Conn, errChan chan<- error) {
	for {
		msgType, msg, err := src.ReadMessage()
		if err != nil {
			errChan <- err
			return
		}
		if err := dst.WriteMessage(msgType, msg); err != nil {
			errChan <- err
			return
		}
	}
}

func forwardedProto(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
