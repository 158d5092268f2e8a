package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-realtime/internal/models"
)

func TestAcceptRideSendsIdentityAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.EscapedPath() != "/api/rides/r%201/accept" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.EscapedPath())
		}
		if r.Header.Get("Authorization") != "Bearer tok" || r.Header.Get(HeaderUserID) != "D" || r.Header.Get(HeaderUserRole) != "driver" {
			t.Errorf("identity headers missing: %v", r.Header)
		}
		_ = json.NewEncoder(w).Encode(models.AcceptedPayload{RideID: "r 1", DriverID: "D"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", models.RoleDriver, "D", "tok", time.Second)
	got, err := c.AcceptRide(context.Background(), "r 1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.DriverID != "D" {
		t.Fatalf("decoded %+v", got)
	}
}

func TestConflictIsDistinguishable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(ErrorBody{Error: "ride already taken"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, models.RoleDriver, "D", "", time.Second)
	_, err := c.AcceptRide(context.Background(), "R")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Message != "ride already taken" {
		t.Fatalf("status error %+v", se)
	}
}

func TestServerErrorIsNotConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, models.RoleDriver, "D", "", time.Second)
	err := c.StartRide(context.Background(), "R")
	if err == nil || errors.Is(err, ErrConflict) {
		t.Fatalf("expected plain status error, got %v", err)
	}
}

func TestDeclineSendsReason(t *testing.T) {
	var body reasonBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, models.RoleDriver, "D", "", time.Second)
	if err := c.DeclineRide(context.Background(), "R", "too far"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if body.Reason != "too far" {
		t.Fatalf("reason %q", body.Reason)
	}
}

func TestHistoryAndAvailable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/rides/R/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]models.ChatMessage{{ID: "1", RideID: "R", Body: "hi"}})
	})
	mux.HandleFunc("/api/rides/available", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]models.RideOffer{{RideID: "A"}, {RideID: "B"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, models.RoleCustomer, "C", "", time.Second)
	msgs, err := c.ChatHistory(context.Background(), "R")
	if err != nil || len(msgs) != 1 || msgs[0].Body != "hi" {
		t.Fatalf("history %+v %v", msgs, err)
	}
	offers, err := c.AvailableRides(context.Background())
	if err != nil || len(offers) != 2 {
		t.Fatalf("available %+v %v", offers, err)
	}
}
