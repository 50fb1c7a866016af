package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/clinicflow/scheduling-core/internal/apperrors"
	"github.com/clinicflow/scheduling-core/internal/auth"
	"github.com/clinicflow/scheduling-core/internal/events"
)

// SweepNoShows marks pending and confirmed appointments that ended more than NoShowGrace
// ago as no_show. It is intended to be called by the worker periodically. A row that
// fails is logged and skipped; the count covers rows actually changed.
func (s *Service) SweepNoShows(ctx context.Context) (int, error) {
	cutoff := s.opts.Clock.Now().Add(-s.opts.NoShowGrace)

	candidates, err := s.repo.FindNoShowCandidates(ctx, cutoff, s.opts.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("find no-show candidates: %w", err)
	}

	system := auth.System()
	marked := 0

	for _, appt := range candidates {
		if ctx.Err() != nil {
			return marked, ctx.Err()
		}

		_, err := s.transition(ctx, appt.ID, StatusNoShow, system, "", actionNoShow, events.AppointmentNoShow)
		if err != nil {
			// Cancelled or completed while we were sweeping.
			if errors.Is(err, apperrors.ErrIllegalTransition) {
				continue
			}
			s.logger.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("failed to mark appointment as no-show")
			continue
		}
		marked++
	}

	if marked > 0 {
		s.logger.Info().Int("count", marked).Time("cutoff", cutoff).Msg("no-show sweep finished")
	}
	return marked, nil
}
