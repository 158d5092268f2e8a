package router

import (
	"errors"

	"github.com/example/ride-realtime/internal/models"
)

// Scope binds registrations to one owner's lifetime.
type Scope struct {
	r     *Router
	owner Owner
}

func (r *Router) Scope(owner Owner) *Scope {
	return &Scope{r: r, owner: owner}
}

func (s *Scope) Owner() Owner { return s.owner }

// On registers h for t under the scope's owner.
func (s *Scope) On(t models.MessageType, h Handler) error {
	_, err := s.r.Register(s.owner, t, h)
	return err
}

// OnAll registers one handler per type; bad entries are reported together.
func (s *Scope) OnAll(handlers map[models.MessageType]Handler) error {
	var errs []error
	for t, h := range handlers {
		if err := s.On(t, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close removes every registration of the scope's owner.
func (s *Scope) Close() {
	s.r.ClearOwner(s.owner)
}
