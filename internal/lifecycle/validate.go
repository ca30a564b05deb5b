package lifecycle

import (
	"fmt"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

var validModes = map[domain.ExecutionMode]bool{
	domain.ModeStrict:   true,
	domain.ModeTolerant: true,
	domain.ModeLegged:   true,
	domain.ModeManual:   true,
}

// Validate checks a strategy definition before it is proposed.
func Validate(s domain.Strategy) error {
	if len(s.Legs) < 2 {
		return fmt.Errorf("lifecycle: %w: need at least 2 legs, got %d", domain.ErrInvalidStrategy, len(s.Legs))
	}
	if !validModes[s.Mode] {
		return fmt.Errorf("lifecycle: %w: unknown execution mode %q", domain.ErrInvalidStrategy, s.Mode)
	}
	for i, l := range s.Legs {
		if l.Venue == "" || l.MarketID == "" {
			return fmt.Errorf("lifecycle: %w: leg %d missing venue or market", domain.ErrInvalidStrategy, i)
		}
		if l.Direction != domain.DirectionBuy && l.Direction != domain.DirectionSell {
			return fmt.Errorf("lifecycle: %w: leg %d direction %q", domain.ErrInvalidStrategy, i, l.Direction)
		}
		if l.TargetPrice <= 0 || l.TargetPrice >= 1 {
			return fmt.Errorf("lifecycle: leg %d: %w: %v", i, domain.ErrInvalidPrice, l.TargetPrice)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("lifecycle: %w: leg %d quantity %v", domain.ErrInvalidStrategy, i, l.Quantity)
		}
	}
	return nil
}
