package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/TEENet-io/zenz-bridge/coordinator"
	"github.com/TEENet-io/zenz-bridge/metrics"
	"github.com/TEENet-io/zenz-bridge/reserve"
	"github.com/TEENet-io/zenz-bridge/state"
	"github.com/robfig/cron/v3"
	logger "github.com/sirupsen/logrus"
)

// SweepReport is what one sweep changed.
type SweepReport struct {
	Failed       []string
	Released     int
	ExpiredLocks int64
}

// Sweeper is the backstop for work abandoned by crashed or stuck workers.
type Sweeper struct {
	states   *state.StateDB
	reserve  *reserve.Manager
	coord    *coordinator.Coordinator
	timeout  time.Duration
	interval time.Duration
}

func NewSweeper(
	states *state.StateDB,
	rm *reserve.Manager,
	coord *coordinator.Coordinator,
	timeout, interval time.Duration,
) *Sweeper {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{
		states:   states,
		reserve:  rm,
		coord:    coord,
		timeout:  timeout,
		interval: interval,
	}
}

// Sweep fails transactions stuck in processing for longer than the timeout,
// gives their withdrawal reservations back and expires stale coordinator locks.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	ids, err := s.states.SweepStuck(ctx, s.timeout)
	if err != nil {
		return nil, err
	}
	report := &SweepReport{Failed: ids}
	metrics.SweptTransactions.Add(float64(len(ids)))

	for _, id := range ids {
		t, found, err := s.states.Get(ctx, id)
		if err != nil {
			return report, err
		}
		if !found || t.Kind != state.KindWithdrawal {
			continue
		}
		released, err := s.reserve.ReleaseWithdrawal(ctx, t.DestAsset, id)
		if err != nil {
			logger.WithFields(logger.Fields{
				"txId":  id,
				"asset": t.DestAsset,
				"err":   err,
			}).Error("failed to release reservation of swept transaction")
			continue
		}
		if released {
			report.Released++
		}
	}

	expired, err := s.coord.ExpireStale(ctx)
	if err != nil {
		return report, err
	}
	report.ExpiredLocks = expired

	if len(ids) > 0 || expired > 0 {
		logger.WithFields(logger.Fields{
			"failed":   len(ids),
			"released": report.Released,
			"expired":  expired,
		}).Warn("swept stuck transactions")
	}
	return report, nil
}

// Start runs Sweep on a cron schedule until ctx is done. Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if _, err := s.Sweep(ctx); err != nil {
			logger.WithField("err", err).Error("stuck transaction sweep failed")
		}
	}); err != nil {
		return err
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
