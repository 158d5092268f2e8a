package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-realtime/internal/models"
)

// Conn is the slice of *websocket.Conn the manager relies on.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a duplex connection to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dl := d.Dialer
	if dl == nil {
		dl = websocket.DefaultDialer
	}
	conn, resp, err := dl.DialContext(ctx, rawURL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// Endpoint identifies the authenticated session a connection belongs to.
type Endpoint struct {
	Role   models.Role
	UserID string
	Token  string
}

// URL builds <base>/ws/<role>/<id>/?token=<token>.
func (e Endpoint) URL(base string) (string, error) {
	if !e.Role.Valid() {
		return "", fmt.Errorf("invalid role %q", e.Role)
	}
	if e.UserID == "" {
		return "", fmt.Errorf("empty user id")
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse ws base: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("ws base must be ws:// or wss://, got %q", u.Scheme)
	}
	u.Path = u.Path + "/ws/" + string(e.Role) + "/" + e.UserID + "/"
	u.RawPath = ""
	q := url.Values{}
	q.Set("token", e.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redact hides the token when the URL is logged.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	if u.Query().Has("token") {
		u.RawQuery = "token=REDACTED"
	}
	return u.String()
}
