// Package telegram drives the Telegram Bot API through telebot as the
// engine's transport. One Session wraps one authenticated bot identity; the
// engine's pool owns session lifecycle and the per-account serialization.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"fleetbot/internal/transport"
	logx "fleetbot/pkg/logx"
)

type Config struct {
	// ConnectTimeout bounds bot authentication (getMe) during Connect.
	ConnectTimeout time.Duration
	// APIURL overrides the Bot API endpoint (self-hosted servers, tests).
	APIURL string
}

type Connector struct {
	cfg Config
	log logx.Logger
}

func NewConnector(cfg Config, log logx.Logger) *Connector {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	return &Connector{cfg: cfg, log: log}
}

// Connect authenticates the credential (a bot token) against the platform.
// telebot performs getMe during NewBot, so an invalid token fails here.
func (c *Connector) Connect(ctx context.Context, credential string) (transport.Session, error) {
	token := strings.TrimSpace(credential)
	if token == "" {
		return nil, &transport.RestrictedError{Reason: "empty credential", Permanent: true}
	}

	type botResult struct {
		bot *tele.Bot
		err error
	}
	ch := make(chan botResult, 1)
	go func() {
		b, err := tele.NewBot(tele.Settings{
			Token: token,
			URL:   c.cfg.APIURL,
			// The engine never long-polls; sessions are send-only.
			Poller: nil,
		})
		ch <- botResult{bot: b, err: err}
	}()

	timeout := time.NewTimer(c.cfg.ConnectTimeout)
	defer timeout.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return nil, fmt.Errorf("telegram connect: %w", context.DeadlineExceeded)
	case r := <-ch:
		if r.err != nil {
			return nil, classify(r.err)
		}
		if !c.log.IsZero() && r.bot.Me != nil {
			c.log.Debug("telegram session authenticated", logx.String("bot", r.bot.Me.Username))
		}
		return &session{bot: r.bot}, nil
	}
}

type session struct {
	bot *tele.Bot
}

func (s *session) Send(ctx context.Context, a transport.Action) (transport.Result, error) {
	switch a.Kind {
	case transport.ActionPost:
		return s.post(ctx, a)
	case transport.ActionProbe:
		return s.probe(ctx, a)
	default:
		return transport.Result{}, fmt.Errorf("unsupported action kind %q", a.Kind)
	}
}

func (s *session) post(_ context.Context, a transport.Action) (transport.Result, error) {
	msg, err := s.bot.Send(recipient(a.TargetID), a.Text)
	if err != nil {
		return transport.Result{}, classify(err)
	}
	return transport.Result{MessageID: fmt.Sprintf("%d", msg.ID)}, nil
}

// probe fetches channel state via getChat and matches keywords against the
// visible metadata (title, description, pinned message). The Bot API exposes
// no channel history, so this is the observable surface for monitoring.
func (s *session) probe(_ context.Context, a transport.Action) (transport.Result, error) {
	raw, err := s.bot.Raw("getChat", map[string]string{"chat_id": a.TargetID})
	if err != nil {
		return transport.Result{}, classify(err)
	}

	var resp struct {
		Result struct {
			Title         string `json:"title"`
			Description   string `json:"description"`
			PinnedMessage *struct {
				Text string `json:"text"`
			} `json:"pinned_message"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return transport.Result{}, fmt.Errorf("getChat decode: %w", err)
	}

	haystack := strings.ToLower(resp.Result.Title + "\n" + resp.Result.Description)
	if resp.Result.PinnedMessage != nil {
		haystack += "\n" + strings.ToLower(resp.Result.PinnedMessage.Text)
	}
	for _, kw := range a.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(haystack, kw) {
			return transport.Result{Matched: true, Detail: kw}, nil
		}
	}
	return transport.Result{Matched: false}, nil
}

func (s *session) Ping(_ context.Context) error {
	if _, err := s.bot.Raw("getMe", nil); err != nil {
		return classify(err)
	}
	return nil
}

func (s *session) Close() error {
	// Bot API sessions are stateless HTTP; nothing to tear down.
	return nil
}

// recipient lets raw chat identifiers ("-100123...", "@channel") pass through
// to the API without telebot's typed chat wrappers.
type recipient string

func (r recipient) Recipient() string { return string(r) }

// classify maps telebot errors onto the transport failure taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.RateLimitError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}

	switch {
	case errors.Is(err, tele.ErrUnauthorized):
		// Revoked token: the platform no longer recognizes this identity.
		return &transport.RestrictedError{Reason: err.Error(), Permanent: true}
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrKickedFromChannel),
		errors.Is(err, tele.ErrNotStartedByUser):
		return &transport.RestrictedError{Reason: err.Error()}
	case errors.Is(err, tele.ErrChatNotFound):
		// Bad target, not a bad account.
		return fmt.Errorf("target not found: %w", err)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401:
			return &transport.RestrictedError{Reason: apiErr.Description, Permanent: true}
		case 403:
			return &transport.RestrictedError{Reason: apiErr.Description}
		case 429:
			return &transport.RateLimitError{RetryAfter: 5 * time.Second}
		}
	}

	return err
}
