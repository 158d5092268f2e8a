// Package restapi is the HTTP client for the relay's ride action and history
// endpoints.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/ride-realtime/internal/models"
)

// Identity headers sent with every request; the bearer token is checked
// against them when the relay has a JWT secret.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// ErrConflict is returned when the relay refuses an action because another
// participant got there first, e.g. a lost accept race.
var ErrConflict = errors.New("restapi: conflict")

// StatusError is a non-2xx reply from the relay.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned %d", e.Code)
	}
	return fmt.Sprintf("relay returned %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusConflict {
		return ErrConflict
	}
	return nil
}

// ErrorBody is the JSON error shape written by the relay.
type ErrorBody struct {
	Error string `json:"error"`
}

type Client struct {
	BaseURL string
	Token   string
	Role    models.Role
	UserID  string
	HTTP    *http.Client
}

func NewClient(baseURL string, role models.Role, userID, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Role:    role,
		UserID:  userID,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// AcceptRide claims a ride for the calling driver. A lost race yields an
// error wrapping ErrConflict.
func (c *Client) AcceptRide(ctx context.Context, rideID string) (models.AcceptedPayload, error) {
	var out models.AcceptedPayload
	err := c.do(ctx, http.MethodPost, ridePath(rideID, "accept"), nil, &out)
	return out, err
}

func (c *Client) DeclineRide(ctx context.Context, rideID, reason string) error {
	return c.do(ctx, http.MethodPost, ridePath(rideID, "decline"), reasonBody{Reason: reason}, nil)
}

func (c *Client) MarkArrived(ctx context.Context, rideID string) error {
	return c.do(ctx, http.MethodPost, ridePath(rideID, "arrive"), nil, nil)
}

func (c *Client) StartRide(ctx context.Context, rideID string) error {
	return c.do(ctx, http.MethodPost, ridePath(rideID, "start"), nil, nil)
}

func (c *Client) CompleteRide(ctx context.Context, rideID string) error {
	return c.do(ctx, http.MethodPost, ridePath(rideID, "complete"), nil, nil)
}

func (c *Client) CancelRide(ctx context.Context, rideID, reason string) error {
	return c.do(ctx, http.MethodPost, ridePath(rideID, "cancel"), reasonBody{Reason: reason}, nil)
}

// AvailableRides lists open requests offered to the calling driver.
func (c *Client) AvailableRides(ctx context.Context) ([]models.RideOffer, error) {
	var out []models.RideOffer
	err := c.do(ctx, http.MethodGet, "/api/rides/available", nil, &out)
	return out, err
}

// ChatHistory returns the stored messages of a ride, oldest first.
func (c *Client) ChatHistory(ctx context.Context, rideID string) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	err := c.do(ctx, http.MethodGet, ridePath(rideID, "messages"), nil, &out)
	return out, err
}

type reasonBody struct {
	Reason string `json:"reason,omitempty"`
}

func ridePath(rideID, action string) string {
	return "/api/rides/" + url.PathEscape(rideID) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderUserID, c.UserID)
	req.Header.Set(HeaderUserRole, string(c.Role))
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb ErrorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		return fmt.Errorf("%s %s: %w", method, path, &StatusError{Code: resp.StatusCode, Message: msg})
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
