// Package matcher decides which drivers hear about a request and which one
// of them gets it.
package matcher

import (
	"context"
	"log/slog"
	"sort"

	"github.com/example/ride-realtime/internal/eta"
	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/models"
)

// Selector picks the drivers a new request is offered to.
type Selector struct {
	Geo     geo.Index
	RadiusM float64
	TopN    int
	Logger  *slog.Logger

	// ETA, when set, orders nearby drivers by time to pickup instead of
	// straight-line distance.
	ETA eta.Estimator
}

// Candidates returns the connected drivers to offer a request at pickup to:
// the closest ones known to the geo index, or every connected driver when
// none of them is nearby or the index fails.
func (s *Selector) Candidates(ctx context.Context, pickup models.Coord, connected []string) []string {
	if len(connected) == 0 {
		return nil
	}
	online := make(map[string]struct{}, len(connected))
	for _, id := range connected {
		online[id] = struct{}{}
	}
	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}

	var out []string
	if s.Geo != nil {
		near, err := s.Geo.Nearby(ctx, pickup, s.RadiusM, topN)
		if err != nil && s.Logger != nil {
			s.Logger.Warn("geo lookup failed, offering to all drivers", "error", err)
		}
		var cands []models.Driver
		for _, d := range near {
			if _, ok := online[d.ID]; ok {
				cands = append(cands, d)
			}
		}
		for _, d := range s.byETA(ctx, pickup, cands) {
			out = append(out, d.ID)
		}
	}
	if len(out) > 0 {
		return out
	}
	out = append(out, connected...)
	sort.Strings(out)
	return out
}

func (s *Selector) byETA(ctx context.Context, pickup models.Coord, cands []models.Driver) []models.Driver {
	if s.ETA == nil || len(cands) < 2 {
		return cands
	}
	secs := make(map[string]float64, len(cands))
	for _, d := range cands {
		v, err := s.ETA.EstimateSeconds(ctx, d.Loc, pickup)
		if err != nil {
			// keep distance order for drivers we cannot estimate
			return cands
		}
		secs[d.ID] = v
	}
	sort.SliceStable(cands, func(i, j int) bool { return secs[cands[i].ID] < secs[cands[j].ID] })
	return cands
}
