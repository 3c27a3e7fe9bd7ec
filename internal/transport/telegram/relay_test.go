package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"crowdalert/internal/alert"
	"crowdalert/internal/dispatch"
	"crowdalert/internal/engine"
	"crowdalert/internal/notification"
	logx "crowdalert/pkg/logx"
)

type sent struct {
	to   tele.Recipient
	text string
	opt  *tele.SendOptions
}

type fakeSender struct {
	got  []sent
	fail error
}

func (f *fakeSender) Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	s := sent{to: to, text: what.(string)}
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			s.opt = so
		}
	}
	f.got = append(f.got, s)
	return &tele.Message{ID: len(f.got)}, nil
}

type nopOperator struct{}

func (nopOperator) MarkRead(context.Context, []string) (int, error) { return 0, nil }
func (nopOperator) MarkAllRead(context.Context) (int, error)        { return 0, nil }
func (nopOperator) Indicator(context.Context) (engine.Indicator, error) {
	return engine.Indicator{}, nil
}

func banner() notification.Notification {
	th := alert.Number(200)
	return notification.Notification{
		Alert: alert.Alert{
			ID:             "01HZX",
			Level:          alert.LevelCritical,
			Category:       "crowd_density",
			Zone:           "Stadium <North>",
			Message:        "Critical crowd density detected",
			Value:          alert.Number(240),
			Threshold:      &th,
			Recommendation: "Open gates 3 & 4",
			Timestamp:      time.Date(2026, 3, 1, 18, 30, 5, 0, time.UTC),
		},
		UpdatedCount: 2,
	}
}

func TestFormatBannerEscapes(t *testing.T) {
	t.Parallel()
	out := formatBanner(banner(), time.UTC)
	for _, want := range []string{
		"<b>CRITICAL · Stadium &lt;North&gt;</b>",
		"• <b>Value</b>: 240",
		"• <b>Threshold</b>: 200",
		"• <b>Action</b>: Open gates 3 &amp; 4",
		"• <b>Updates</b>: 2",
		"• <b>At</b>: 18:30:05",
		"<code>01HZX</code>",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("banner missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Location") {
		t.Fatalf("empty location rendered")
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		want  int
	}{
		{name: "short", in: "hello", limit: 10, want: 1},
		{name: "exact", in: strings.Repeat("a", 10), limit: 10, want: 1},
		{name: "long", in: strings.Repeat("a", 25), limit: 10, want: 3},
		{name: "newline", in: strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6), limit: 10, want: 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tt.in, tt.limit)
			if len(got) != tt.want {
				t.Fatalf("chunks = %d (%q), want %d", len(got), got, tt.want)
			}
			for _, c := range got {
				if len([]rune(c)) > tt.limit {
					t.Fatalf("chunk %q over limit", c)
				}
			}
		})
	}
}

func TestSplitTextKeepsTagsWhole(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("x", 8) + "<b>bold</b>"
	got := splitText(in, 10)
	if got[0] != strings.Repeat("x", 8) {
		t.Fatalf("first chunk = %q, want tag moved to next chunk", got[0])
	}
}

func TestPresentSendsBannerWithAckButton(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	r := newRelay(Config{ChatID: 42, ThreadID: 7, Commands: true}, fs, nopOperator{}, logx.Nop())

	if err := r.Present(context.Background(), dispatch.Delivery{Notification: banner()}); err != nil {
		t.Fatalf("Present: %v", err)
	}
	if len(fs.got) != 1 {
		t.Fatalf("sent = %d, want 1", len(fs.got))
	}
	s := fs.got[0]
	if s.to.Recipient() != "42" || s.opt == nil || s.opt.ThreadID != 7 || s.opt.ParseMode != tele.ModeHTML {
		t.Fatalf("send = %+v", s)
	}
	if s.opt.ReplyMarkup == nil || len(s.opt.ReplyMarkup.InlineKeyboard) != 1 {
		t.Fatalf("missing acknowledge keyboard")
	}
	if data := s.opt.ReplyMarkup.InlineKeyboard[0][0].Data; !strings.Contains(data, "01HZX") {
		t.Fatalf("callback data = %q, want notification id", data)
	}
}

func TestPresentWithoutCommandsHasNoButton(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	r := newRelay(Config{ChatID: 42}, fs, nil, logx.Nop())
	if err := r.Present(context.Background(), dispatch.Delivery{Notification: banner()}); err != nil {
		t.Fatalf("Present: %v", err)
	}
	if fs.got[0].opt.ReplyMarkup != nil {
		t.Fatalf("keyboard attached without commands")
	}
}

func TestSendTextWrapsAndReportsErrors(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	r := newRelay(Config{ChatID: 1}, fs, nil, logx.Nop())
	if err := r.SendText(context.Background(), "WRN dispatch <failed>"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got := fs.got[0].text; got != "<code>WRN dispatch &lt;failed&gt;</code>" {
		t.Fatalf("text = %q", got)
	}

	fs.fail = errors.New("429 too many requests")
	if err := r.SendText(context.Background(), "x"); err == nil {
		t.Fatalf("send error swallowed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fs.fail = nil
	if err := r.SendText(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNewRejectsMissingSettings(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ChatID: 1}, nil, logx.Nop()); err == nil {
		t.Fatalf("empty token accepted")
	}
	if _, err := New(Config{Token: "123:abc"}, nil, logx.Nop()); err == nil {
		t.Fatalf("empty chat id accepted")
	}
}
