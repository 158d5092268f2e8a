package ride

import "github.com/example/ride-realtime/internal/models"

// transitions is the closed table of server-driven status moves. The reset
// to none after a terminal status is not listed: it is the tracker's job.
var transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested:     {models.StatusAccepted, models.StatusDeclined, models.StatusCancelled},
	models.StatusAccepted:      {models.StatusDriverArrived, models.StatusInProgress, models.StatusDeclined, models.StatusCancelled},
	models.StatusDriverArrived: {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress:    {models.StatusCompleted, models.StatusCancelled},
}

// Reachable reports whether a session in from may move to to.
func Reachable(from, to models.RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
