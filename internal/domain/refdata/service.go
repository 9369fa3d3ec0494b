package refdata

import (
	"context"

	"github.com/rs/zerolog"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Specialties never fails: storage errors and empty tables both yield the
// default list.
func (s *Service) Specialties(ctx context.Context) []string {
	return s.names(ctx, KindSpecialties)
}

func (s *Service) Locations(ctx context.Context) []string {
	return s.names(ctx, KindLocations)
}

func (s *Service) names(ctx context.Context, kind Kind) []string {
	names, err := s.repo.Names(ctx, kind)
	if err != nil {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("reference data unavailable, using defaults")
	}
	if len(names) == 0 {
		out := make([]string, len(defaultsFor(kind)))
		copy(out, defaultsFor(kind))
		return out
	}
	return names
}

// EnsureDefaults seeds both tables with the default lists. Existing names
// are left alone.
func (s *Service) EnsureDefaults(ctx context.Context) error {
	for _, kind := range []Kind{KindSpecialties, KindLocations} {
		n, err := s.repo.Insert(ctx, kind, defaultsFor(kind))
		if err != nil {
			return err
		}
		s.logger.Info().Str("kind", string(kind)).Int("inserted", n).Msg("reference data seeded")
	}
	return nil
}
