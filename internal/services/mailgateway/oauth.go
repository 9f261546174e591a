package mailgateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

// oauthClient is the consent and refresh half shared by every gateway.
type oauthClient struct {
	cfg  *oauth2.Config
	call *caller
}

func (o *oauthClient) AuthURL(state string) string {
	return o.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (o *oauthClient) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	var tok *oauth2.Token
	err := o.call.do(ctx, "exchange code", func(ctx context.Context) error {
		var err error
		tok, err = o.cfg.Exchange(ctx, code)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// Refresh trades the refresh token for a new access token. Providers that
// do not rotate refresh tokens get the old one carried over.
func (o *oauthClient) Refresh(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	if token == nil || token.RefreshToken == "" {
		return nil, ErrUnauthorized
	}
	var fresh *oauth2.Token
	err := o.call.do(ctx, "refresh token", func(ctx context.Context) error {
		// An expired copy forces the token source to hit the endpoint.
		src := o.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: token.RefreshToken})
		var err error
		fresh, err = src.Token()
		return err
	})
	if err != nil {
		return nil, err
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = token.RefreshToken
	}
	return fresh, nil
}

// classifyHTTP maps oauth2 and transport errors.
func classifyHTTP(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && (re.Response.StatusCode >= 500 || re.Response.StatusCode == http.StatusTooManyRequests) {
			return &retryable{err: err}
		}
		return errors.Join(ErrUnauthorized, err)
	}
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.code == http.StatusUnauthorized || se.code == http.StatusForbidden:
			return errors.Join(ErrUnauthorized, err)
		case se.code == http.StatusTooManyRequests || se.code >= 500:
			return &retryable{err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return &retryable{err: err}
	}
	return err
}

type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return http.StatusText(e.code) + " from " + e.url
}

// fetchUserinfo reads the mailbox address from an OpenID Connect userinfo
// endpoint.
func fetchUserinfo(ctx context.Context, url string, token *oauth2.Token) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	token.SetAuthHeader(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode, url: url}
	}
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Email == "" {
		return "", errors.New("userinfo response has no email")
	}
	return body.Email, nil
}

var ErrInvalidState = errors.New("oauth state is unknown or expired")

// StateStore binds OAuth state values to the user and provider that began
// the consent flow. States are single use.
type StateStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	states map[string]pendingState
}

type pendingState struct {
	userID   string
	provider string
	expires  time.Time
}

func NewStateStore(ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateStore{ttl: ttl, now: time.Now, states: make(map[string]pendingState)}
}

// Issue returns a fresh random state for userID and provider.
func (s *StateStore) Issue(userID, provider string) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	state := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.states {
		if now.After(v.expires) {
			delete(s.states, k)
		}
	}
	s.states[state] = pendingState{userID: userID, provider: provider, expires: now.Add(s.ttl)}
	return state, nil
}

// Consume validates state for provider and returns the user it was issued to.
func (s *StateStore) Consume(state, provider string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.states[state]
	if !ok {
		return "", ErrInvalidState
	}
	delete(s.states, state)
	if s.now().After(p.expires) || p.provider != provider {
		return "", ErrInvalidState
	}
	return p.userID, nil
}
