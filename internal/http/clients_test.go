package httpapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-realtime/internal/connection"
	"github.com/example/ride-realtime/internal/coordinator"
	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/ride"
)

func startClient(t *testing.T, ts *httptest.Server, role models.Role, id string) *coordinator.Coordinator {
	t.Helper()
	cfg := connection.DefaultConfig()
	cfg.BaseURL = "ws" + strings.TrimPrefix(ts.URL, "http")
	cfg.HeartbeatInterval = time.Hour
	c, err := coordinator.New(coordinator.Options{
		Role:             role,
		UserID:           id,
		Connection:       cfg,
		APIBase:          ts.URL,
		RequestTimeout:   2 * time.Second,
		DeclineGrace:     50 * time.Millisecond,
		LocationInterval: time.Hour,
		Logger:           logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new %s/%s: %v", role, id, err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start %s/%s: %v", role, id, err)
	}
	t.Cleanup(c.Close)
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasOffer(c *coordinator.Coordinator, rideID string) bool {
	for _, o := range c.Offers() {
		if o.RideID == rideID {
			return true
		}
	}
	return false
}

func TestAssignedDriverBacksOutAndTakesNextRide(t *testing.T) {
	ts, hub, _ := newTestServer(t, "")
	cust := startClient(t, ts, models.RoleCustomer, "C1")
	drv := startClient(t, ts, models.RoleDriver, "D1")
	waitOnline(t, hub, models.RoleCustomer, "C1")
	waitOnline(t, hub, models.RoleDriver, "D1")
	ctx := context.Background()

	if _, err := cust.RequestRide(ride.RequestSpec{RideID: "R1", Fare: 10}); err != nil {
		t.Fatalf("request R1: %v", err)
	}
	eventually(t, "offer R1", func() bool { return hasOffer(drv, "R1") })
	if _, err := drv.AcceptRide(ctx, "R1"); err != nil {
		t.Fatalf("accept R1: %v", err)
	}
	eventually(t, "both accepted", func() bool {
		return drv.Rides.Status() == models.StatusAccepted && cust.Rides.Status() == models.StatusAccepted
	})

	if err := drv.DeclineOffer(ctx, "R1", "flat tyre"); err != nil {
		t.Fatalf("decline R1: %v", err)
	}
	eventually(t, "both reset", func() bool {
		return drv.Rides.Status() == models.StatusNone && cust.Rides.Status() == models.StatusNone
	})
	hist := drv.Rides.History()
	if len(hist) == 0 || hist[len(hist)-1].ID != "R1" || hist[len(hist)-1].DeclineReason != "flat tyre" {
		t.Fatalf("driver history %+v", hist)
	}

	if _, err := cust.RequestRide(ride.RequestSpec{RideID: "R2", Fare: 11}); err != nil {
		t.Fatalf("request R2: %v", err)
	}
	eventually(t, "offer R2", func() bool { return hasOffer(drv, "R2") })
	if _, err := drv.AcceptRide(ctx, "R2"); err != nil {
		t.Fatalf("accept of the next ride after backing out: %v", err)
	}
	eventually(t, "R2 accepted", func() bool {
		cur, ok := drv.Rides.Current()
		return ok && cur.ID == "R2" && cur.Status == models.StatusAccepted
	})
}
