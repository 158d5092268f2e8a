package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-realtime/internal/coordinator"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/ride"
)

// session is the part of the coordinator the prompt drives.
type session interface {
	RequestRide(spec ride.RequestSpec) (ride.Session, error)
	AcceptRide(ctx context.Context, rideID string) (ride.Session, error)
	DeclineOffer(ctx context.Context, rideID, reason string) error
	MarkArrived(ctx context.Context) error
	StartRide(ctx context.Context) error
	CompleteRide(ctx context.Context) error
	CancelRide(ctx context.Context, reason string) error
	SendChat(body string) (models.ChatMessage, error)
	UpdateLocation(lat, lng float64) bool
	RefreshOffers(ctx context.Context) ([]models.RideOffer, error)
}

type feed interface {
	List() []models.Notification
	Unread() int
	MarkAllRead()
}

var errUsage = errors.New("usage")

type shell struct {
	s       session
	notes   feed
	current func() (ride.Session, bool)
	role    models.Role
	out     io.Writer
}

const helpText = `commands:
  request <lat,lng> <lat,lng> [fare] [courier]   ask for a ride (customer)
  offers                                         list open requests (driver)
  accept <ride-id>                               claim a request (driver)
  decline <ride-id> [reason]                     refuse a request (driver)
  arrive | start | complete                      advance the ride (driver)
  cancel [reason]                                cancel the current ride
  chat <text>                                    message the other party
  loc <lat> <lng>                                report position (driver)
  status                                         show the current ride
  notes                                          show notifications
  quit`

func (sh *shell) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := sh.exec(ctx, line); quit {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the user asked to quit.
func (sh *shell) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	var err error
	switch cmd {
	case "quit", "exit":
		return true
	case "help", "?":
		fmt.Fprintln(sh.out, helpText)
	case "request":
		err = sh.request(args)
	case "offers":
		var offers []models.RideOffer
		if offers, err = sh.s.RefreshOffers(ctx); err == nil {
			if len(offers) == 0 {
				fmt.Fprintln(sh.out, "no open requests")
			}
			for _, o := range offers {
				fmt.Fprintf(sh.out, "%s  %-7s fare %.2f  from %s\n", o.RideID, o.Kind, o.Fare, place(o.PickupAddress, o.Pickup))
			}
		}
	case "accept":
		if len(args) != 1 {
			err = errUsage
			break
		}
		var s ride.Session
		if s, err = sh.s.AcceptRide(ctx, args[0]); err == nil {
			fmt.Fprintf(sh.out, "accepted %s, waiting for confirmation\n", s.ID)
		}
	case "decline":
		if len(args) < 1 {
			err = errUsage
			break
		}
		err = sh.s.DeclineOffer(ctx, args[0], strings.Join(args[1:], " "))
	case "arrive":
		err = sh.s.MarkArrived(ctx)
	case "start":
		err = sh.s.StartRide(ctx)
	case "complete":
		err = sh.s.CompleteRide(ctx)
	case "cancel":
		err = sh.s.CancelRide(ctx, strings.Join(args, " "))
	case "chat":
		if len(args) == 0 {
			err = errUsage
			break
		}
		_, err = sh.s.SendChat(strings.Join(args, " "))
	case "loc":
		err = sh.location(args)
	case "status":
		sh.status()
	case "notes":
		sh.listNotes()
	default:
		err = fmt.Errorf("unknown command %q, try 'help'", cmd)
	}
	sh.report(cmd, err)
	return false
}

func (sh *shell) request(args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	pickup, err := parseCoord(args[0])
	if err != nil {
		return err
	}
	dropoff, err := parseCoord(args[1])
	if err != nil {
		return err
	}
	spec := ride.RequestSpec{Kind: models.KindRide, Pickup: pickup, Dropoff: dropoff}
	for _, a := range args[2:] {
		if strings.EqualFold(a, "courier") {
			spec.Kind = models.KindCourier
			continue
		}
		fare, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return fmt.Errorf("bad fare %q", a)
		}
		spec.Fare = fare
	}
	s, err := sh.s.RequestRide(spec)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "requested %s %s\n", s.Kind, s.ID)
	return nil
}

func (sh *shell) location(args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("bad latitude %q", args[0])
	}
	lng, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("bad longitude %q", args[1])
	}
	if !sh.s.UpdateLocation(lat, lng) {
		fmt.Fprintln(sh.out, "location not sent (rate limited or not a driver)")
	}
	return nil
}

func (sh *shell) status() {
	s, ok := sh.current()
	if !ok {
		fmt.Fprintln(sh.out, "no active ride")
		return
	}
	line := fmt.Sprintf("%s %s: %s", s.Kind, s.ID, s.Status)
	if s.Pending {
		line += " (pending)"
	}
	if s.DriverID != "" && sh.role == models.RoleCustomer {
		line += ", driver " + s.DriverID
	}
	if s.DeclineReason != "" {
		line += ", reason: " + s.DeclineReason
	}
	fmt.Fprintln(sh.out, line)
}

func (sh *shell) listNotes() {
	list := sh.notes.List()
	fmt.Fprintf(sh.out, "%d notifications, %d unread\n", len(list), sh.notes.Unread())
	for _, n := range list {
		mark := " "
		if !n.Read {
			mark = "*"
		}
		fmt.Fprintf(sh.out, "%s %s  %s: %s\n", mark, n.Timestamp.Format(time.Kitchen), n.Title, n.Message)
	}
	sh.notes.MarkAllRead()
}

func (sh *shell) report(cmd string, err error) {
	var ae *coordinator.ActionError
	switch {
	case err == nil:
	case errors.As(err, &ae):
		// already raised as an alert
	case errors.Is(err, errUsage):
		fmt.Fprintf(sh.out, "usage error for %q, try 'help'\n", cmd)
	default:
		fmt.Fprintf(sh.out, "error: %v\n", err)
	}
}

func parseCoord(s string) (models.Coord, error) {
	lat, lng, ok := strings.Cut(s, ",")
	if !ok {
		return models.Coord{}, fmt.Errorf("bad coordinate %q, want lat,lng", s)
	}
	la, err1 := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	lo, err2 := strconv.ParseFloat(strings.TrimSpace(lng), 64)
	if err1 != nil || err2 != nil {
		return models.Coord{}, fmt.Errorf("bad coordinate %q, want lat,lng", s)
	}
	return models.Coord{Lat: la, Lon: lo}, nil
}

func place(addr string, c models.Coord) string {
	if addr != "" {
		return addr
	}
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// bell rings the terminal bell for system notifications.
type bell struct{ w io.Writer }

func (b bell) Play(models.NotificationType) error {
	_, err := io.WriteString(b.w, "\a")
	return err
}

// printAlerts shows transient notifications inline.
type printAlerts struct{ w io.Writer }

func (p printAlerts) Alert(n models.Notification) {
	fmt.Fprintf(p.w, "[%s] %s: %s\n", n.Type, n.Title, n.Message)
}
