package reconciliation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"expense-reconciliation-backend/internal/models"
)

// Connect starts the OAuth consent flow and returns the provider URL the
// user has to visit.
func (s *ReconciliationService) Connect(ctx context.Context, userID, provider string) (string, error) {
	gw, err := s.gateways.Get(provider)
	if err != nil {
		return "", err
	}
	state, err := s.states.Issue(userID, provider)
	if err != nil {
		return "", err
	}
	return gw.AuthURL(state), nil
}

// CompleteConnect finishes the consent flow: it exchanges the code, looks
// up the mailbox address and stores the encrypted tokens. Reconnecting a
// known mailbox reactivates it and keeps its watermark.
func (s *ReconciliationService) CompleteConnect(ctx context.Context, provider, code, state string) (*models.MailIntegration, error) {
	userID, err := s.states.Consume(state, provider)
	if err != nil {
		return nil, err
	}
	gw, err := s.gateways.Get(provider)
	if err != nil {
		return nil, err
	}

	tok, err := gw.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	email, err := gw.UserEmail(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("fetch mailbox address: %w", err)
	}

	access, err := s.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return nil, err
	}

	in, err := s.integrations.Upsert(ctx, &models.MailIntegration{
		UserID:       userID,
		Provider:     provider,
		Email:        email,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenExpiry:  tok.Expiry.UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("user_id", userID).
		Str("provider", provider).
		Str("integration_id", in.ID.String()).
		Msg("mail integration connected")
	return in, nil
}

func (s *ReconciliationService) ListIntegrations(ctx context.Context, userID string) ([]models.MailIntegration, error) {
	return s.integrations.ListByUser(ctx, userID)
}

// Disconnect deletes the integration with its parsed transactions,
// discoveries and sync runs. Balances already applied stay as they are.
func (s *ReconciliationService) Disconnect(ctx context.Context, userID string, id uuid.UUID) error {
	if _, err := s.integrations.GetForUser(ctx, userID, id); err != nil {
		return err
	}
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	if err := s.integrations.Delete(ctx, id); err != nil {
		return err
	}
	s.locks.Delete(id)
	s.log.Info().Str("user_id", userID).Str("integration_id", id.String()).Msg("mail integration disconnected")
	return nil
}

// Providers lists the mail providers that can be connected.
func (s *ReconciliationService) Providers() []string {
	return s.gateways.Providers()
}

// RefreshExpiringTokens refreshes every active integration whose token
// expires within the window. Integrations whose refresh is refused are
// marked reconnect_required.
func (s *ReconciliationService) RefreshExpiringTokens(ctx context.Context) (int, error) {
	integrations, err := s.integrations.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	deadline := s.now().Add(tokenRefreshWindow)
	refreshed := 0
	for i := range integrations {
		in := &integrations[i]
		if in.TokenExpiry.IsZero() || in.TokenExpiry.After(deadline) {
			continue
		}
		log := s.log.With().Str("integration_id", in.ID.String()).Str("provider", in.Provider).Logger()

		gw, err := s.gateways.Get(in.Provider)
		if err != nil {
			log.Warn().Err(err).Msg("no gateway for integration")
			continue
		}
		mu := s.lock(in.ID)
		if !mu.TryLock() {
			continue
		}
		_, err = s.token(ctx, in, gw, true)
		mu.Unlock()

		switch {
		case err == nil:
			refreshed++
		case errors.Is(err, ErrReconnectRequired):
			log.Warn().Err(err).Msg("token refresh refused")
			if err := s.integrations.MarkReconnectRequired(ctx, in.ID, err.Error()); err != nil {
				log.Error().Err(err).Msg("mark reconnect required")
			}
		default:
			log.Warn().Err(err).Msg("token refresh failed, will retry")
		}
	}
	return refreshed, nil
}
