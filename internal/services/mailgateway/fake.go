package mailgateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// FakeGateway is an in-memory Gateway used by tests and local runs.
type FakeGateway struct {
	mu sync.Mutex

	Name     string
	Email    string
	Messages []Message
	// ListErr, when set, fails every ListMessagesSince call.
	ListErr error
	// RefreshErr, when set, fails every Refresh call.
	RefreshErr error
	// RejectToken makes ListMessagesSince answer ErrUnauthorized for this
	// access token.
	RejectToken string

	Refreshes int
	Calls     []time.Time
}

func NewFake(name, email string, messages ...Message) *FakeGateway {
	return &FakeGateway{Name: name, Email: email, Messages: messages}
}

func (f *FakeGateway) Provider() string { return f.Name }

func (f *FakeGateway) AuthURL(state string) string {
	return "https://auth.example.test/" + f.Name + "?state=" + state
}

func (f *FakeGateway) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrUnauthorized)
	}
	return &oauth2.Token{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (f *FakeGateway) Refresh(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Refreshes++
	if f.RefreshErr != nil {
		return nil, f.RefreshErr
	}
	return &oauth2.Token{
		AccessToken:  fmt.Sprintf("refreshed-%d", f.Refreshes),
		RefreshToken: token.RefreshToken,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (f *FakeGateway) UserEmail(ctx context.Context, token *oauth2.Token) (string, error) {
	return f.Email, nil
}

// Add appends messages to the mailbox.
func (f *FakeGateway) Add(messages ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = append(f.Messages, messages...)
}

func (f *FakeGateway) ListMessagesSince(ctx context.Context, box Mailbox, since time.Time) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, since)
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	if f.RejectToken != "" && box.Token != nil && box.Token.AccessToken == f.RejectToken {
		return nil, ErrUnauthorized
	}

	var out []Message
	for _, m := range f.Messages {
		if !m.ReceivedAt.Before(since) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}
