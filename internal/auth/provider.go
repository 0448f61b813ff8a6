package auth

import (
	"context"

	"moplaychat/internal/models"
)

// Provider adapts the auth service to the chat subsystem's session
// provider contract for one user. The chat gate polls Current; Ready is
// immediately satisfied because the backing store is available as soon as
// the service is constructed.
type Provider struct {
	svc    *Service
	userID int64
	ready  chan struct{}
}

// SessionProvider returns a session provider scoped to the given user.
func (s *Service) SessionProvider(userID int64) *Provider {
	ready := make(chan struct{})
	close(ready)
	return &Provider{svc: s, userID: userID, ready: ready}
}

// Ready reports when the provider can serve Current calls.
func (p *Provider) Ready() <-chan struct{} {
	return p.ready
}

// Current returns the user's session, or nil when signed out.
func (p *Provider) Current(ctx context.Context) (*models.Session, error) {
	return p.svc.Session(ctx, p.userID)
}
