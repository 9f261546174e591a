// Package mailgateway talks to mail providers: OAuth consent and token
// refresh, mailbox identity, and fetching candidate messages.
package mailgateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrUnauthorized means the provider rejected the credentials. It is
	// never retried; the caller should refresh the token once.
	ErrUnauthorized = errors.New("mail provider rejected credentials")
	// ErrTransient wraps failures that survived every retry.
	ErrTransient = errors.New("mail provider temporarily unavailable")
	// ErrUnknownProvider is returned for providers with no gateway.
	ErrUnknownProvider = errors.New("unknown mail provider")
)

// Message is the provider-neutral shape of one fetched email.
type Message struct {
	ID         string
	From       string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// Mailbox identifies whose mail to read and with which credentials.
type Mailbox struct {
	Email string
	Token *oauth2.Token
}

// Gateway is the capability every mail provider implements. Errors are
// ErrUnauthorized, ErrTransient, or permanent.
type Gateway interface {
	Provider() string
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error)
	UserEmail(ctx context.Context, token *oauth2.Token) (string, error)
	// ListMessagesSince returns candidate transaction mail received at or
	// after since, oldest first, capped at the configured maximum.
	ListMessagesSince(ctx context.Context, box Mailbox, since time.Time) ([]Message, error)
}

// Registry resolves a provider name to its gateway.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway)}
	for _, g := range gateways {
		r.Register(g)
	}
	return r
}

func (r *Registry) Register(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Provider()] = g
}

func (r *Registry) Get(provider string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return g, nil
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}
