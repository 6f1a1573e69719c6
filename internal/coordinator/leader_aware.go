package coordinator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tilefeed/internal/leadership"
)

// LeaderAwareCoordinator wraps a coordinator and only runs it while
// this instance holds leadership, so exactly one replica drives
// selection and refresh fan-out.
type LeaderAwareCoordinator struct {
	coordinator *Service
	election    *leadership.Election
	logger      zerolog.Logger

	ctx                context.Context
	cancelFunc         context.CancelFunc
	coordinatorRunning bool
}

// NewLeaderAware creates a leader-aware coordinator wrapper.
func NewLeaderAware(coordinator *Service, election *leadership.Election, logger zerolog.Logger) *LeaderAwareCoordinator {
	return &LeaderAwareCoordinator{
		coordinator: coordinator,
		election:    election,
		logger:      logger.With().Str("component", "leader_aware_coordinator").Logger(),
	}
}

// Start begins monitoring leadership status and manages the
// coordinator lifecycle.
func (lac *LeaderAwareCoordinator) Start(ctx context.Context) error {
	lac.ctx = ctx

	lac.logger.Info().Msg("starting leader-aware coordinator")

	if err := lac.election.Start(ctx); err != nil {
		return err
	}

	go lac.monitorLeadership()

	return nil
}

// Stop stops the coordinator and releases leadership.
func (lac *LeaderAwareCoordinator) Stop() error {
	lac.logger.Info().Msg("stopping leader-aware coordinator")

	if lac.coordinatorRunning && lac.cancelFunc != nil {
		lac.cancelFunc()
		lac.coordinatorRunning = false
	}

	return lac.election.Stop()
}

// monitorLeadership watches for leadership changes and starts or stops
// the coordinator accordingly.
func (lac *LeaderAwareCoordinator) monitorLeadership() {
	leaderCh := lac.election.LeaderCh()

	if lac.election.IsLeader() {
		lac.startCoordinator()
	}

	for {
		select {
		case <-lac.ctx.Done():
			return
		case isLeader := <-leaderCh:
			if isLeader {
				lac.logger.Info().Msg("became leader, starting coordinator")
				lac.startCoordinator()
			} else {
				lac.logger.Warn().Msg("lost leadership, stopping coordinator")
				lac.stopCoordinator()
			}
		}
	}
}

func (lac *LeaderAwareCoordinator) startCoordinator() {
	if lac.coordinatorRunning {
		lac.logger.Warn().Msg("coordinator already running")
		return
	}

	ctx, cancel := context.WithCancel(lac.ctx)
	lac.cancelFunc = cancel
	lac.coordinatorRunning = true

	go func() {
		lac.logger.Info().Msg("coordinator started")
		if err := lac.coordinator.Run(ctx); err != nil && err != context.Canceled {
			lac.logger.Error().Err(err).Msg("coordinator error")
		}
		lac.coordinatorRunning = false
		lac.logger.Info().Msg("coordinator stopped")
	}()
}

func (lac *LeaderAwareCoordinator) stopCoordinator() {
	if !lac.coordinatorRunning {
		return
	}

	if lac.cancelFunc != nil {
		lac.cancelFunc()
		lac.cancelFunc = nil
	}

	// Give the loop a moment to unwind before the next transition.
	time.Sleep(100 * time.Millisecond)
	lac.coordinatorRunning = false
}

// IsLeader returns whether this instance currently holds leadership.
func (lac *LeaderAwareCoordinator) IsLeader() bool {
	return lac.election.IsLeader()
}
