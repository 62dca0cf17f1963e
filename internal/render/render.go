// Package render turns a snapshot plus its diff into the channel-ready report
// text. Rendering is pure: identical inputs produce identical output.
package render

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"paywatch/internal/diff"
	"paywatch/internal/model"
)

// Message is a rendered report ready for delivery.
type Message struct {
	Text    string
	LinkURL string
}

// Build renders the report for one subscription. prev may be nil.
// Grades follow model.GradeOrder; absent grades are omitted.
func Build(sub model.Subscription, data model.SnapshotData, prev *model.SnapshotData, d diff.Result, baseURL string) Message {
	var b strings.Builder

	b.WriteString("📊 Salary pulse — ")
	b.WriteString(sub.Name)
	b.WriteString("\n\n")

	for _, g := range model.GradeOrder {
		st, ok := data.Grades[g]
		if !ok {
			continue
		}
		b.WriteString(g.Label())
		b.WriteString(": ")
		b.WriteString(formatAmount(st.Median))
		if sub.UseEnrichedAnalysis {
			b.WriteString(" (avg ")
			b.WriteString(formatAmount(st.Average))
			b.WriteString(")")
		}
		if gd := d.Delta(g); gd.Material {
			b.WriteString(" ")
			b.WriteString(arrow(gd.Percent))
			b.WriteString(" ")
			b.WriteString(formatPercent(gd.Percent))
		}
		b.WriteString("\n")
	}

	b.WriteString("\nBased on ")
	b.WriteString(formatAmount(float64(data.TotalCount)))
	b.WriteString(" responses")
	if prev != nil {
		if inc := data.TotalCount - prev.TotalCount; inc > 0 {
			b.WriteString(fmt.Sprintf(" (+%d new)", inc))
		}
	}
	b.WriteString("\n")

	link := deepLink(baseURL, sub.ChatID)
	if link != "" {
		b.WriteString(link)
		b.WriteString("\n")
	}

	return Message{Text: b.String(), LinkURL: link}
}

// deepLink points back at the interactive dashboard, tagged with attribution
// parameters derived from the delivery chat. url.Values.Encode sorts keys, so
// the link is stable across runs.
func deepLink(baseURL string, chatID int64) string {
	if strings.TrimSpace(baseURL) == "" {
		return ""
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("utm_source", "paywatch")
	q.Set("utm_medium", "telegram")
	q.Set("utm_content", "chat_"+strconv.FormatInt(chatID, 10))
	u.RawQuery = q.Encode()
	return u.String()
}

func arrow(pct float64) string {
	if pct < 0 {
		return "↓"
	}
	return "↑"
}

func formatPercent(pct float64) string {
	return strconv.FormatFloat(math.Abs(pct), 'f', 1, 64) + "%"
}

// formatAmount renders a rounded amount with thin-space thousand grouping:
// 1234567 -> "1 234 567".
func formatAmount(v float64) string {
	n := int64(math.Round(v))
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	out := strings.Join(parts, " ")
	if neg {
		out = "-" + out
	}
	return out
}
