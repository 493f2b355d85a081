package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/repazoo/connect/internal/connect/store"
	"github.com/repazoo/connect/pkg/slogx"
)

// DefaultAuditRetention keeps the compliance trail for two years.
const DefaultAuditRetention = 2 * 365 * 24 * time.Hour

// HousekeepingService periodically deletes expired handshake states,
// enforces the audit retention horizon, and proactively refreshes
// credentials whose access tokens are close to expiry.
type HousekeepingService struct {
	Store          store.Store
	Tokens         *TokenService
	Logger         *slog.Logger
	Interval       time.Duration
	AuditRetention time.Duration
	RefreshHorizon time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewHousekeepingService(st store.Store, tokens *TokenService, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	return &HousekeepingService{
		Store:          st,
		Tokens:         tokens,
		Logger:         logger,
		Interval:       interval,
		AuditRetention: DefaultAuditRetention,
		RefreshHorizon: 30 * time.Minute,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start begins the background worker. Non-blocking; call Stop to shut down.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop shuts the worker down and blocks until any in-progress sweep ends.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run once at startup so restarts don't postpone overdue cleanup.
	s.sweep()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep runs every task independently; one failing never stops the others.
func (s *HousekeepingService) sweep() {
	ctx := slogx.WithContext(context.Background(), s.Logger)
	now := time.Now().UTC()

	if err := s.Store.AuthorizationStates().DeleteExpiredAuthorizationStates(ctx, now); err != nil {
		s.Logger.Error("expired state cleanup failed", "error", err)
	}

	if err := s.Store.AuditRecords().DeleteAuditRecordsBefore(ctx, now.Add(-s.AuditRetention)); err != nil {
		s.Logger.Error("audit retention sweep failed", "error", err)
	}

	if s.Tokens != nil && s.RefreshHorizon > 0 {
		s.Tokens.RefreshExpiring(ctx, s.RefreshHorizon)
	}
}
