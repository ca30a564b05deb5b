package fee

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Schedule maps venues to their fee curves. Venues without a curve are
// charged with the fallback.
type Schedule struct {
	models   map[domain.Venue]Model
	fallback Model
}

// NewSchedule builds a schedule. A nil fallback charges unknown venues nothing.
func NewSchedule(models map[domain.Venue]Model, fallback Model) *Schedule {
	if fallback == nil {
		fallback = Zero{}
	}
	m := make(map[domain.Venue]Model, len(models))
	for v, model := range models {
		m[v] = model
	}
	return &Schedule{models: m, fallback: fallback}
}

// Model returns the curve for venue.
func (s *Schedule) Model(venue domain.Venue) Model {
	if m, ok := s.models[venue]; ok {
		return m
	}
	return s.fallback
}

// Fee returns the venue fee for quantity contracts at price.
func (s *Schedule) Fee(venue domain.Venue, price, quantity decimal.Decimal) decimal.Decimal {
	return s.Model(venue).Fee(price, quantity)
}

// FeeFloat is Fee for float inputs.
func (s *Schedule) FeeFloat(venue domain.Venue, price, quantity float64) decimal.Decimal {
	return s.Fee(venue, decimal.NewFromFloat(price), decimal.NewFromFloat(quantity))
}

// FeeForRole charges with the role-specific curve when the venue has one.
func (s *Schedule) FeeForRole(venue domain.Venue, role Role, price, quantity decimal.Decimal) decimal.Decimal {
	if r, ok := s.Model(venue).(Roles); ok {
		return r.ForRole(role).Fee(price, quantity)
	}
	return s.Fee(venue, price, quantity)
}
