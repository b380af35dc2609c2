// README: Pricing service computes fares as distance x rate x vehicle multiplier.
package pricing

import (
	"context"
	"errors"
	"math"
	"sync"

	"rideline/internal/config"
	"rideline/internal/modules/geo"
	"rideline/internal/types"
)

var (
	ErrUnknownVehicle = errors.New("unknown vehicle type")
	ErrBadDistance    = errors.New("distance must be non-negative")
)

// RateSource supplies multiplier overrides, usually the postgres Store.
type RateSource interface {
	ListRates(ctx context.Context) ([]Rate, error)
}

type Service struct {
	cfg config.PricingConfig

	mu          sync.RWMutex
	multipliers map[types.VehicleType]float64
}

func NewService(cfg config.PricingConfig) *Service {
	m := make(map[types.VehicleType]float64, len(DefaultMultipliers))
	for k, v := range DefaultMultipliers {
		m[k] = v
	}
	return &Service{cfg: cfg, multipliers: m}
}

// LoadOverrides replaces multipliers for every vehicle class found in src.
// Unknown classes and non-positive multipliers are ignored.
func (s *Service) LoadOverrides(ctx context.Context, src RateSource) error {
	rates, err := src.ListRates(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rates {
		if _, ok := s.multipliers[r.VehicleType]; !ok || r.Multiplier <= 0 {
			continue
		}
		s.multipliers[r.VehicleType] = r.Multiplier
	}
	return nil
}

// Estimate returns the fare for distanceKm in the given vehicle class.
func (s *Service) Estimate(_ context.Context, distanceKm float64, vehicle types.VehicleType) (types.Money, error) {
	if distanceKm < 0 || math.IsNaN(distanceKm) {
		return types.Money{}, ErrBadDistance
	}
	s.mu.RLock()
	mult, ok := s.multipliers[vehicle]
	s.mu.RUnlock()
	if !ok {
		return types.Money{}, ErrUnknownVehicle
	}
	major := distanceKm * s.cfg.RatePerKm * mult
	return types.Money{Amount: int64(math.Round(major * 100)), Currency: s.cfg.Currency}, nil
}

func (s *Service) Quote(ctx context.Context, distanceKm float64, vehicle types.VehicleType) (Quote, error) {
	price, err := s.Estimate(ctx, distanceKm, vehicle)
	if err != nil {
		return Quote{}, err
	}
	return Quote{VehicleType: vehicle, DistanceKm: distanceKm, Price: price, ETA: geo.ETA(distanceKm)}, nil
}

// QuoteAll prices the trip for every vehicle class, in display order.
func (s *Service) QuoteAll(ctx context.Context, pickup, drop types.Point) ([]Quote, error) {
	d := geo.Distance(pickup, drop)
	out := make([]Quote, 0, len(types.VehicleTypes))
	for _, v := range types.VehicleTypes {
		q, err := s.Quote(ctx, d, v)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}
