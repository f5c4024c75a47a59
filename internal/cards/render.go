package cards

import (
	"fmt"
	"html"
	"strings"
)

// TelegramMaxChars bounds rendered Telegram text.
const TelegramMaxChars = 4096

// renderCard runs both optional renderers. Either may come back empty;
// renderer failure never fails the build.
func renderCard(c *Card) *Rendered {
	r := &Rendered{
		TelegramText: RenderTelegram(c),
		HTML:         RenderHTML(c),
	}
	if r.TelegramText == "" && r.HTML == "" {
		return nil
	}
	return r
}

// RenderTelegram produces the plain-text channel message.
func RenderTelegram(c *Card) string {
	var b strings.Builder
	b.WriteString(c.Summary)
	if c.RiskNote != "" {
		b.WriteString("\n")
		b.WriteString(c.RiskNote)
	}
	if len(c.Data.Rules.Reasons) > 0 {
		b.WriteString("\n")
		for i, reason := range c.Data.Rules.Reasons {
			if i > 0 {
				b.WriteString(" / ")
			}
			b.WriteString(reason)
		}
	}
	b.WriteString(fmt.Sprintf("\n[%s] %s", c.CardType, c.EventKey))

	out := b.String()
	runes := []rune(out)
	if len(runes) > TelegramMaxChars {
		out = string(runes[:TelegramMaxChars-1]) + "…"
	}
	return out
}

// RenderHTML produces a minimal UI fragment.
func RenderHTML(c *Card) string {
	var b strings.Builder
	b.WriteString(`<div class="card card-` + html.EscapeString(c.CardType) + `">`)
	b.WriteString("<p>" + html.EscapeString(c.Summary) + "</p>")
	if c.RiskNote != "" {
		b.WriteString(`<p class="risk">` + html.EscapeString(c.RiskNote) + "</p>")
	}
	b.WriteString("</div>")
	return b.String()
}
