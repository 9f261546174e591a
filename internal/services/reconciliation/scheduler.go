package reconciliation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler syncs every user with an active integration on a fixed
// interval and renews tokens before they expire.
type Scheduler struct {
	service         *ReconciliationService
	syncInterval    time.Duration
	refreshInterval time.Duration
	log             zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewScheduler(service *ReconciliationService, syncInterval, refreshInterval time.Duration, log zerolog.Logger) *Scheduler {
	if syncInterval <= 0 {
		syncInterval = 5 * time.Minute
	}
	if refreshInterval <= 0 {
		refreshInterval = time.Hour
	}
	return &Scheduler{
		service:         service,
		syncInterval:    syncInterval,
		refreshInterval: refreshInterval,
		log:             log.With().Str("component", "scheduler").Logger(),
	}
}

// Start launches the background loops. They stop when ctx is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.loop(ctx, s.syncInterval, s.SyncAllUsers)
	go s.loop(ctx, s.refreshInterval, s.refreshTokens)
	s.log.Info().
		Dur("sync_interval", s.syncInterval).
		Dur("refresh_interval", s.refreshInterval).
		Msg("scheduler started")
}

// Stop cancels the loops and waits for the pass in flight to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, run func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

// SyncAllUsers runs one scheduled sync for every user with an active
// integration.
func (s *Scheduler) SyncAllUsers(ctx context.Context) {
	users, err := s.service.integrations.UsersWithActiveIntegrations(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list users to sync")
		return
	}
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		result, err := s.service.SyncAll(ctx, userID, TriggerScheduled)
		if err != nil {
			s.log.Error().Err(err).Str("user_id", userID).Msg("scheduled sync")
			continue
		}
		for _, e := range result.Errors {
			s.log.Warn().Str("user_id", userID).Str("code", e.Code).Str("email", e.Email).Msg(e.Message)
		}
	}
}

func (s *Scheduler) refreshTokens(ctx context.Context) {
	n, err := s.service.RefreshExpiringTokens(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("refresh expiring tokens")
		return
	}
	if n > 0 {
		s.log.Info().Int("refreshed", n).Msg("refreshed expiring tokens")
	}
}
