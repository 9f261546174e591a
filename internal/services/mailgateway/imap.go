package mailgateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/oauth2/yahoo"

	"expense-reconciliation-backend/internal/config"
	"expense-reconciliation-backend/internal/models"
)

const (
	microsoftUserinfo = "https://graph.microsoft.com/oidc/userinfo"
	yahooUserinfo     = "https://api.login.yahoo.com/openid/v1/userinfo"
)

// errIMAPAuth marks a rejected AUTHENTICATE.
var errIMAPAuth = errors.New("imap authentication rejected")

// IMAPGateway reads mail over IMAP with XOAUTH2, used for providers whose
// REST APIs are not worth a dedicated client.
type IMAPGateway struct {
	oauthClient
	provider    string
	addr        string
	userinfo    string
	maxMessages int
	timeout     time.Duration
	log         zerolog.Logger
}

func NewOutlook(cfg config.ProviderConfig, opts Options) *IMAPGateway {
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = "common"
	}
	return newIMAP(models.ProviderOutlook, cfg, opts, &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			"openid", "email", "offline_access",
			"https://outlook.office.com/IMAP.AccessAsUser.All",
		},
		Endpoint: microsoft.AzureADEndpoint(tenant),
	}, microsoftUserinfo)
}

func NewYahoo(cfg config.ProviderConfig, opts Options) *IMAPGateway {
	return newIMAP(models.ProviderYahoo, cfg, opts, &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{"openid", "email", "mail-r"},
		Endpoint:     yahoo.Endpoint,
	}, yahooUserinfo)
}

func newIMAP(provider string, cfg config.ProviderConfig, opts Options, oc *oauth2.Config, userinfo string) *IMAPGateway {
	opts = opts.withDefaults()
	if opts.Endpoint != "" {
		userinfo = opts.Endpoint
	}
	return &IMAPGateway{
		oauthClient: oauthClient{cfg: oc, call: newCaller(provider, opts, classifyIMAP)},
		provider:    provider,
		addr:        cfg.IMAPAddr,
		userinfo:    userinfo,
		maxMessages: opts.MaxMessages,
		timeout:     opts.RequestTimeout,
		log:         opts.Logger.With().Str("provider", provider).Logger(),
	}
}

func (g *IMAPGateway) Provider() string { return g.provider }

func (g *IMAPGateway) UserEmail(ctx context.Context, token *oauth2.Token) (string, error) {
	var email string
	err := g.call.do(ctx, "userinfo", func(ctx context.Context) error {
		var err error
		email, err = fetchUserinfo(ctx, g.userinfo, token)
		return err
	})
	return email, err
}

func (g *IMAPGateway) ListMessagesSince(ctx context.Context, box Mailbox, since time.Time) ([]Message, error) {
	var messages []Message
	err := g.call.do(ctx, "fetch inbox", func(ctx context.Context) error {
		var err error
		messages, err = g.fetch(ctx, box, since)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})
	return messages, nil
}

func (g *IMAPGateway) fetch(ctx context.Context, box Mailbox, since time.Time) ([]Message, error) {
	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: g.timeout}, g.addr, nil)
	if err != nil {
		return nil, err
	}
	defer c.Logout()
	c.Timeout = g.timeout

	// Closing the connection unblocks any pending command on cancel.
	stop := context.AfterFunc(ctx, func() { c.Terminate() })
	defer stop()

	if err := c.Authenticate(&xoauth2{user: box.Email, token: box.Token.AccessToken}); err != nil {
		return nil, fmt.Errorf("%w: %v", errIMAPAuth, err)
	}

	mbox, err := c.Select("INBOX", true)
	if err != nil {
		return nil, err
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if len(uids) > g.maxMessages {
		uids = uids[:g.maxMessages]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchInternalDate, imap.FetchUid}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, ch)
	}()

	var messages []Message
	for m := range ch {
		body := m.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			g.log.Warn().Err(err).Uint32("uid", m.Uid).Msg("read message body")
			continue
		}
		id := fmt.Sprintf("%d-%d", mbox.UidValidity, m.Uid)
		msg, err := Decode(id, raw, m.InternalDate)
		if err != nil {
			g.log.Warn().Err(err).Str("message_id", id).Msg("skipping unparseable message")
			continue
		}
		messages = append(messages, msg)
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return messages, nil
}

// xoauth2 is the SASL XOAUTH2 mechanism used by Outlook and Yahoo IMAP.
type xoauth2 struct {
	user  string
	token string
}

func (x *xoauth2) Start() (string, []byte, error) {
	ir := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", x.user, x.token)
	return "XOAUTH2", []byte(ir), nil
}

// Next answers the error challenge with an empty response so the server
// reports the failure as a tagged NO.
func (x *xoauth2) Next(challenge []byte) ([]byte, error) {
	return nil, nil
}

func classifyIMAP(err error) error {
	if errors.Is(err, errIMAPAuth) {
		return errors.Join(ErrUnauthorized, err)
	}
	if errors.Is(err, client.ErrNotLoggedIn) {
		return errors.Join(ErrUnauthorized, err)
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, client.ErrAlreadyLoggedOut) {
		return &retryable{err: err}
	}
	return classifyHTTP(err)
}
