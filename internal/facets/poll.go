package facets

import (
	"context"
	"errors"
	"sort"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/rpattn/imgexplorer/internal/backend"
	"github.com/rpattn/imgexplorer/internal/domain"
)

var errStillRunning = errors.New("warehouse jobs still running")

// await polls every job until all are done or the attempt budget runs out.
// Each attempt checks every outstanding job once; jobs are checked again only
// after the poll interval. On exhaustion all jobs are cancelled and a
// *domain.TimeoutError names the facets still running.
func (a *Aggregator) await(ctx context.Context, jobs []*whJob) error {
	logger := zerolog.Ctx(ctx)
	done := make([]bool, len(jobs))
	attempts := 0

	op := func() error {
		attempts++
		running := 0
		for i, j := range jobs {
			if done[i] {
				continue
			}
			ok, err := a.warehouse.Done(ctx, j.id)
			if err != nil {
				return backoff.Permanent(err)
			}
			done[i] = ok
			if !ok {
				running++
			}
		}
		if running > 0 {
			logger.Debug().Int("attempt", attempts).Int("running", running).Msg("waiting on facet queries")
			return errStillRunning
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(a.opts.PollInterval), uint64(a.opts.PollAttempts-1)),
		ctx,
	)
	err := backoff.Retry(op, policy)
	backend.HistogramPollAttempts.Observe(float64(attempts))
	if err == nil {
		return nil
	}

	a.cancelAll(jobs)
	if errors.Is(err, errStillRunning) {
		seen := map[string]bool{}
		var outstanding []string
		for i, j := range jobs {
			if !done[i] && !seen[j.label] {
				seen[j.label] = true
				outstanding = append(outstanding, j.label)
			}
		}
		sort.Strings(outstanding)
		logger.Error().Strs("outstanding", outstanding).Int("attempts", attempts).Msg("facet queries timed out")
		return &domain.TimeoutError{Outstanding: outstanding, Attempts: attempts}
	}
	return err
}
