package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-realtime/internal/models"
)

// Pusher delivers an envelope to a participant with no live session.
type Pusher interface {
	Push(role models.Role, id string, env models.Envelope) error
}

// HTTPPush posts undeliverable envelopes to a push provider endpoint.
type HTTPPush struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPPush(endpoint, key string) *HTTPPush {
	return &HTTPPush{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushBody struct {
	Role     models.Role     `json:"role"`
	UserID   string          `json:"user_id"`
	Envelope models.Envelope `json:"envelope"`
}

func (p *HTTPPush) Push(role models.Role, id string, env models.Envelope) error {
	b, err := json.Marshal(pushBody{Role: role, UserID: id, Envelope: env})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push %s/%s: %w", role, id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push %s/%s: provider returned %s", role, id, resp.Status)
	}
	return nil
}
