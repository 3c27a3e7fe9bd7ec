// Package telegram relays critical banners and warn-level log lines to an
// operator chat, and accepts acknowledgements back from it.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"crowdalert/internal/dispatch"
	"crowdalert/internal/engine"
	rtsup "crowdalert/internal/runtime/supervisor"
	logx "crowdalert/pkg/logx"
)

type Config struct {
	Enabled     bool
	Token       string
	ChatID      int64
	ThreadID    int
	PollTimeout time.Duration
	// Commands enables /status, /ack and the Acknowledge button.
	Commands bool
	Timezone string
}

// Operator is the subset of the engine the chat may act on.
type Operator interface {
	MarkRead(ctx context.Context, ids []string) (int, error)
	MarkAllRead(ctx context.Context) (int, error)
	Indicator(ctx context.Context) (engine.Indicator, error)
}

// sender is the part of *tele.Bot the relay sends through.
type sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

type Relay struct {
	cfg Config
	log logx.Logger
	loc *time.Location

	bot  *tele.Bot
	out  sender
	op   Operator
	ack  tele.Btn
	menu *tele.ReplyMarkup

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(cfg Config, op Operator, log logx.Logger) (*Relay, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	r := newRelay(cfg, b, op, log)
	r.bot = b
	if cfg.Commands && op != nil {
		r.registerHandlers()
	}
	return r, nil
}

func newRelay(cfg Config, out sender, op Operator, log logx.Logger) *Relay {
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			log.Warn("invalid timezone, using UTC", logx.String("tz", tz), logx.Err(err))
		}
	}
	menu := &tele.ReplyMarkup{}
	return &Relay{
		cfg:  cfg,
		log:  log,
		loc:  loc,
		out:  out,
		op:   op,
		menu: menu,
		ack:  menu.Data("✅ Acknowledge", "ack"),
	}
}

// fromOperatorChat drops updates from any chat other than the configured one.
func (r *Relay) fromOperatorChat(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if c.Chat() == nil || c.Chat().ID != r.cfg.ChatID {
			return nil
		}
		return next(c)
	}
}

func (r *Relay) registerHandlers() {
	r.bot.Use(r.fromOperatorChat)
	r.bot.Handle("/status", func(c tele.Context) error {
		ind, err := r.op.Indicator(context.Background())
		if err != nil {
			return c.Send("engine unavailable: " + err.Error())
		}
		return c.Send(formatIndicator(ind), tele.ModeHTML)
	})
	r.bot.Handle("/ack", func(c tele.Context) error {
		ctx := context.Background()
		var (
			n   int
			err error
		)
		if args := c.Args(); len(args) > 0 {
			n, err = r.op.MarkRead(ctx, args)
		} else {
			n, err = r.op.MarkAllRead(ctx)
		}
		if err != nil {
			return c.Send("acknowledge failed: " + err.Error())
		}
		r.log.Info("acknowledged from chat", logx.Int("count", n), logx.String("by", senderName(c)))
		return c.Send(fmt.Sprintf("%d acknowledged", n))
	})
	r.bot.Handle(&r.ack, func(c tele.Context) error {
		id := strings.TrimSpace(c.Data())
		if id == "" {
			return c.Respond()
		}
		n, err := r.op.MarkRead(context.Background(), []string{id})
		if err != nil {
			return c.Respond(&tele.CallbackResponse{Text: "failed: " + err.Error()})
		}
		r.log.Info("banner acknowledged from chat", logx.String("id", id), logx.String("by", senderName(c)))
		if n == 0 {
			return c.Respond(&tele.CallbackResponse{Text: "already acknowledged"})
		}
		return c.Respond(&tele.CallbackResponse{Text: "acknowledged"})
	})
}

func senderName(c tele.Context) string {
	if u := c.Sender(); u != nil {
		if u.Username != "" {
			return u.Username
		}
		return fmt.Sprint(u.ID)
	}
	return ""
}

// Start begins long polling when commands are enabled. Sending works
// without it.
func (r *Relay) Start(ctx context.Context) error {
	if r.bot == nil || !r.cfg.Commands || r.op == nil {
		return nil
	}
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.sup != nil {
		return nil
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.sup = sup

	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		r.bot.Stop()
		return nil
	})
	// Start blocks until Stop; an early return while running is a failure
	// so the poller is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		r.log.Info("polling started")
		r.bot.Start()
		r.log.Info("polling stopped")
		if c.Err() == nil {
			return errors.New("poller exited")
		}
		return nil
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (r *Relay) Stop(ctx context.Context) error {
	r.runMu.Lock()
	sup := r.sup
	r.sup = nil
	r.runMu.Unlock()
	if sup == nil {
		return nil
	}
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Stop(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		r.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

// Supervisor exposes the poll loop stats (nil when not polling).
func (r *Relay) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

func (r *Relay) target() tele.Recipient { return &tele.Chat{ID: r.cfg.ChatID} }

func (r *Relay) send(ctx context.Context, text string, markup *tele.ReplyMarkup) error {
	for i, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true, ThreadID: r.cfg.ThreadID}
		if i == 0 && markup != nil {
			opt.ReplyMarkup = markup
		}
		if _, err := r.out.Send(r.target(), chunk, opt); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// SendText forwards a log line. It satisfies logx.TextSender.
func (r *Relay) SendText(ctx context.Context, text string) error {
	b := &builder{}
	b.code(text)
	return r.send(ctx, b.String(), nil)
}

// Present sends a banner. It satisfies dispatch.Presenter.
func (r *Relay) Present(ctx context.Context, d dispatch.Delivery) error {
	var markup *tele.ReplyMarkup
	if r.cfg.Commands && r.op != nil {
		btn := r.ack
		btn.Data = d.Notification.ID
		markup = &tele.ReplyMarkup{}
		markup.Inline(markup.Row(btn))
	}
	return r.send(ctx, formatBanner(d.Notification, r.loc), markup)
}
