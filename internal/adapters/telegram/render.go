package telegram

import (
	"fmt"
	"html"
	"strings"

	"tg-summary-bot/internal/domain"
)

// RenderDigest превращает дайджест в HTML-блоки для Bot API.
// Блок — это заголовок, одна секция с пунктами или примечание; разбиение
// по сообщениям идёт только по границам блоков, пункт никогда не рвётся.
func RenderDigest(digest domain.Digest) []string {
	if digest.Empty() {
		return nil
	}

	blocks := make([]string, 0, len(digest.Sections)+2)
	if title := strings.TrimSpace(digest.Title); title != "" {
		blocks = append(blocks, "📰 <b>"+html.EscapeString(title)+"</b>")
	}

	for _, section := range digest.Sections {
		var b strings.Builder
		if heading := strings.TrimSpace(section.Heading); heading != "" {
			b.WriteString("<b>" + html.EscapeString(heading) + "</b>")
		}
		for _, bullet := range section.Bullets {
			trimmed := strings.TrimSpace(bullet)
			if trimmed == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("• " + html.EscapeString(trimmed))
		}
		if b.Len() == 0 {
			continue
		}
		blocks = append(blocks, b.String())
	}

	if digest.Omitted > 0 {
		blocks = append(blocks, fmt.Sprintf("<i>Показаны не все сообщения: %d старых не поместились в дайджест.</i>", digest.Omitted))
	}
	return blocks
}
