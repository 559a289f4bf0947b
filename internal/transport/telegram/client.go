// Package telegram sends campaign messages through the Telegram Bot API.
// Each sending account is a bot token; each lead is a chat id or @username.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"rotasend/internal/faults"
	kit "rotasend/internal/transport"
	logx "rotasend/pkg/logx"
)

type Config struct {
	// Tokens maps account id to bot token.
	Tokens map[string]string
	// Timeout bounds each Bot API request. <=0 means 15s.
	Timeout time.Duration
	// URL overrides the Bot API endpoint (tests, local bot api server).
	URL string
	// Offline skips the getMe handshake on connect.
	Offline bool
}

// Client implements transport.Client. Bots are created lazily and cached.
type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: cfg.Timeout},
		bots: map[string]*tele.Bot{},
	}
}

func (c *Client) Connect(ctx context.Context, accountID string) (kit.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(accountID)

	c.mu.Lock()
	b := c.bots[id]
	c.mu.Unlock()
	if b != nil {
		return &session{bot: b, account: id, log: c.log}, nil
	}
	token := strings.TrimSpace(c.cfg.Tokens[id])
	if token == "" {
		return nil, faults.New(faults.KindLoginRequired, "no bot token for account "+id, kit.ErrUnknownAccount)
	}

	// The getMe handshake runs unlocked so one slow account does not hold
	// up connects for the others.
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     c.cfg.URL,
		Client:  c.http,
		Offline: c.cfg.Offline,
	})
	if err != nil {
		return nil, mapError(err)
	}

	c.mu.Lock()
	if cached := c.bots[id]; cached != nil {
		b = cached
	} else {
		c.bots[id] = b
	}
	c.mu.Unlock()
	c.log.Debug("bot session opened", logx.String("account", id), logx.String("bot", botName(b)))
	return &session{bot: b, account: id, log: c.log}, nil
}

func botName(b *tele.Bot) string {
	if b == nil || b.Me == nil {
		return ""
	}
	return b.Me.Username
}

type session struct {
	bot     *tele.Bot
	account string
	log     logx.Logger
}

// leadRecipient lets telebot address a chat by raw id or @username.
type leadRecipient string

func (r leadRecipient) Recipient() string { return string(r) }

func (s *session) Send(ctx context.Context, lead, text string, opt *kit.SendOptions) (bool, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	lead = strings.TrimSpace(lead)
	if lead == "" {
		return false, faults.New(faults.KindUserNotFound, "empty lead", nil)
	}

	chunks := splitText(text, textLimit, opt.ParseMode)
	to := leadRecipient(lead)
	confirmed := false
	for i, chunk := range chunks {
		err := ctx.Err()
		var msg *tele.Message
		if err == nil {
			msg, err = s.bot.Send(to, chunk, &tele.SendOptions{
				ParseMode:             opt.ParseMode,
				DisableWebPagePreview: opt.DisablePreview,
				DisableNotification:   opt.Silent,
			})
		}
		if err != nil {
			if i == 0 {
				return false, mapError(err)
			}
			// Part of the message already reached the lead. A retry would
			// deliver those chunks twice, so report it unconfirmed instead.
			s.log.Warn("message delivered partially",
				logx.String("account", s.account),
				logx.String("lead", lead),
				logx.Int("chunks_sent", i),
				logx.Int("chunks", len(chunks)),
				logx.Err(err),
			)
			return false, nil
		}
		if i == 0 {
			confirmed = msg != nil && msg.ID != 0
		}
	}
	return confirmed, nil
}

// mapError tags Bot API errors with a fault kind. Errors it does not
// recognise pass through for the keyword table and the retry predicate.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, tele.ErrBlockedByUser), errors.Is(err, tele.ErrNotStartedByUser):
		return faults.New(faults.KindRecipientRestricted, "", err)
	case errors.Is(err, tele.ErrChatNotFound), errors.Is(err, tele.ErrUserIsDeactivated):
		return faults.New(faults.KindUserNotFound, "", err)
	case errors.Is(err, tele.ErrUnauthorized):
		return faults.New(faults.KindLoginRequired, "", err)
	}
	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		switch {
		case te.Code == http.StatusTooManyRequests:
			return faults.New(faults.KindRateLimit, te.Description, err)
		case te.Code == http.StatusUnauthorized:
			return faults.New(faults.KindLoginRequired, te.Description, err)
		case te.Code >= 500:
			return faults.New(faults.KindNetwork, te.Description, err)
		}
	}
	return err
}
