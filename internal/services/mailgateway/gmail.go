package mailgateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"expense-reconciliation-backend/internal/config"
	"expense-reconciliation-backend/internal/models"
)

const gmailPageSize = 100

// GmailGateway reads mail through the Gmail REST API.
type GmailGateway struct {
	oauthClient
	endpoint    string
	query       string
	maxMessages int
	log         zerolog.Logger
}

func NewGmail(cfg config.ProviderConfig, opts Options) *GmailGateway {
	opts = opts.withDefaults()
	call := newCaller(models.ProviderGmail, opts, classifyGoogle)
	return &GmailGateway{
		oauthClient: oauthClient{
			cfg: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				RedirectURL:  cfg.RedirectURL,
				Scopes:       []string{gmail.GmailReadonlyScope},
				Endpoint:     google.Endpoint,
			},
			call: call,
		},
		endpoint:    opts.Endpoint,
		query:       opts.Query,
		maxMessages: opts.MaxMessages,
		log:         opts.Logger.With().Str("provider", models.ProviderGmail).Logger(),
	}
}

func (g *GmailGateway) Provider() string { return models.ProviderGmail }

func (g *GmailGateway) service(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))),
	}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	return gmail.NewService(ctx, opts...)
}

func (g *GmailGateway) UserEmail(ctx context.Context, token *oauth2.Token) (string, error) {
	svc, err := g.service(ctx, token)
	if err != nil {
		return "", err
	}
	var email string
	err = g.call.do(ctx, "get profile", func(ctx context.Context) error {
		profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
		if err != nil {
			return err
		}
		email = profile.EmailAddress
		return nil
	})
	return email, err
}

func (g *GmailGateway) ListMessagesSince(ctx context.Context, box Mailbox, since time.Time) ([]Message, error) {
	svc, err := g.service(ctx, box.Token)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf("after:%d", since.Unix())
	if g.query != "" {
		q += " " + g.query
	}

	// Gmail lists newest first. The oldest maxMessages are only known
	// after the last page has been read.
	var ids []string
	pageToken := ""
	for {
		var resp *gmail.ListMessagesResponse
		err := g.call.do(ctx, "list messages", func(ctx context.Context) error {
			req := svc.Users.Messages.List("me").Q(q).MaxResults(gmailPageSize).Context(ctx)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var err error
			resp, err = req.Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	if len(ids) > g.maxMessages {
		ids = ids[len(ids)-g.maxMessages:]
	}

	messages := make([]Message, 0, len(ids))
	for _, id := range ids {
		var raw *gmail.Message
		err := g.call.do(ctx, "get message", func(ctx context.Context) error {
			var err error
			raw, err = svc.Users.Messages.Get("me", id).Format("raw").Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, err
		}

		data, err := decodeRaw(raw.Raw)
		if err != nil {
			g.log.Warn().Err(err).Str("message_id", id).Msg("skipping undecodable message")
			continue
		}
		msg, err := Decode(id, data, time.UnixMilli(raw.InternalDate))
		if err != nil {
			g.log.Warn().Err(err).Str("message_id", id).Msg("skipping unparseable message")
			continue
		}
		messages = append(messages, msg)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})
	return messages, nil
}

// decodeRaw accepts padded and unpadded base64url, both seen from Gmail.
func decodeRaw(raw string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(raw); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
}

func classifyGoogle(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return classifyHTTP(err)
	}
	switch apiErr.Code {
	case http.StatusUnauthorized:
		return errors.Join(ErrUnauthorized, err)
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &retryable{err: err}
	case http.StatusForbidden:
		for _, e := range apiErr.Errors {
			if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
				return &retryable{err: err}
			}
		}
	}
	return err
}
