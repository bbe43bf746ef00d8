package telegram

import "strings"

const messageLimit = 4096

// SplitMessage breaks the text into chunks that respect Telegram's message size limit.
// It prefers to split on newline boundaries so formatted blocks stay intact.
func SplitMessage(text string) []string {
	return splitText(text, messageLimit)
}

func splitText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	runes := []rune(trimmed)
	if len(runes) <= limit {
		return []string{trimmed}
	}

	var parts []string
	for start := 0; start < len(runes); {
		end := start + limit
		if end >= len(runes) {
			chunk := strings.Trim(string(runes[start:]), "\n")
			if chunk != "" {
				parts = append(parts, chunk)
			}
			break
		}

		split := -1
		for i := end; i > start; i-- {
			if runes[i-1] == '\n' {
				split = i
				break
			}
		}
		if split == -1 {
			split = end
		}

		chunk := strings.Trim(string(runes[start:split]), "\n")
		if chunk != "" {
			parts = append(parts, chunk)
		}

		start = split
		for start < len(runes) && runes[start] == '\n' {
			start++
		}
	}

	if len(parts) == 0 {
		return []string{trimmed}
	}

	return parts
}

// PackBlocks greedily joins rendered blocks into messages that stay within
// the limit. Blocks keep their order; a block that alone exceeds the limit is
// split on newline boundaries as a fallback, so bullets stay intact.
func PackBlocks(blocks []string, limit int) []string {
	if limit <= 0 {
		limit = messageLimit
	}

	var (
		parts   []string
		current strings.Builder
		length  int
	)
	flush := func() {
		if length == 0 {
			return
		}
		parts = append(parts, current.String())
		current.Reset()
		length = 0
	}

	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		blockLen := len([]rune(trimmed))
		if blockLen > limit {
			flush()
			parts = append(parts, splitText(trimmed, limit)...)
			continue
		}

		separator := 0
		if length > 0 {
			separator = 2
		}
		if length+separator+blockLen > limit {
			flush()
			separator = 0
		}
		if separator > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(trimmed)
		length += separator + blockLen
	}
	flush()
	return parts
}
