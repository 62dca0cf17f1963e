// Package telegram delivers rendered reports through the Telegram Bot API.
//
// Chat migration (group upgraded to a supergroup) is a normal outcome here,
// not an error: it is surfaced as a Migrated result carrying the new chat ID
// so the caller can repoint the subscription and retry.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"paywatch/internal/render"
	"paywatch/pkg/logx"
)

type Status int

const (
	StatusSent Status = iota
	StatusMigrated
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusMigrated:
		return "migrated"
	}
	return "failed"
}

// Result is the tagged outcome of one send attempt.
type Result struct {
	Status     Status
	MigratedTo int64 // set when Status == StatusMigrated
	Err        error // set when Status == StatusFailed
}

type Config struct {
	Token      string
	RatePerSec int
	// Offline skips the getMe handshake; used by tests.
	Offline bool
}

type Gateway struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Gateway, error) {
	if !cfg.Offline && strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	return &Gateway{
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}, nil
}

// Send delivers one rendered report to a chat. It never follows a migration
// itself: persisting the new chat ID is the caller's responsibility, so the
// redirect must happen there.
func (g *Gateway) Send(ctx context.Context, chatID int64, msg render.Message) Result {
	if err := g.limiter.Wait(ctx); err != nil {
		return Result{Status: StatusFailed, Err: err}
	}

	_, err := g.bot.Send(tele.ChatID(chatID), msg.Text, &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	if err == nil {
		return Result{Status: StatusSent}
	}

	var ge tele.GroupError
	if errors.As(err, &ge) && ge.MigratedTo != 0 {
		g.log.Debug("chat migrated",
			logx.Int64("chat_id", chatID), logx.Int64("migrated_to", ge.MigratedTo))
		return Result{Status: StatusMigrated, MigratedTo: ge.MigratedTo}
	}

	return Result{Status: StatusFailed, Err: err}
}
