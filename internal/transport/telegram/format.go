package telegram

import (
	"html"
	"strings"
	"time"

	"crowdalert/internal/alert"
	"crowdalert/internal/engine"
	"crowdalert/internal/notification"
)

const textLimit = 4000

// builder assembles an HTML message line by line. Values are escaped;
// only the tags it adds itself are raw.
type builder struct {
	lines []string
}

func (b *builder) title(emoji, s string) *builder {
	b.lines = append(b.lines, emoji+" <b>"+html.EscapeString(s)+"</b>")
	return b
}

func (b *builder) line(s string) *builder {
	b.lines = append(b.lines, html.EscapeString(s))
	return b
}

func (b *builder) kv(k, v string) *builder {
	v = strings.TrimSpace(v)
	if v == "" {
		return b
	}
	b.lines = append(b.lines, "• <b>"+html.EscapeString(k)+"</b>: "+html.EscapeString(v))
	return b
}

func (b *builder) code(s string) *builder {
	b.lines = append(b.lines, "<code>"+html.EscapeString(s)+"</code>")
	return b
}

func (b *builder) String() string { return strings.Trim(strings.Join(b.lines, "\n"), "\n") }

func levelEmoji(l alert.Level) string {
	switch l {
	case alert.LevelCritical:
		return "🚨"
	case alert.LevelWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// formatBanner renders a critical banner for the operator chat.
func formatBanner(n notification.Notification, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	b := &builder{}
	b.title(levelEmoji(n.Level), strings.ToUpper(string(n.Level))+" · "+n.Zone)
	if n.Message != "" {
		b.line(n.Message)
	}
	b.kv("Category", n.Category)
	b.kv("Value", n.Value.String())
	if n.Threshold != nil {
		b.kv("Threshold", n.Threshold.String())
	}
	b.kv("Action", n.Recommendation)
	if n.Location != nil {
		b.kv("Location", formatLocation(*n.Location))
	}
	if n.UpdatedCount > 0 {
		b.kv("Updates", itoa(n.UpdatedCount))
	}
	b.kv("At", n.Timestamp.In(loc).Format("15:04:05"))
	b.code(n.ID)
	return b.String()
}

func formatIndicator(ind engine.Indicator) string {
	b := &builder{}
	b.title("🔔", "Alert hub")
	b.kv("Unread", itoa(ind.UnreadCount))
	if ind.HasNewCritical {
		b.line("New critical alert")
	}
	return b.String()
}

func formatLocation(l alert.Location) string {
	return alert.Number(l[0]).String() + ", " + alert.Number(l[1]).String()
}

func itoa(n int) string { return alert.Number(float64(n)).String() }

// splitText splits s into chunks of at most limit runes, preferring newline
// boundaries and never cutting inside an HTML tag.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
