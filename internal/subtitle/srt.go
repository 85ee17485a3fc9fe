// Package subtitle renders SRT subtitle files for synthesized audio.
//
// Timing is synthetic: the audio duration is spread across the text segments
// in proportion to their character counts, with each cue clamped to a
// readable range. That is accurate enough for narration-style speech where
// no word-level alignment is available from the synthesis engine.
package subtitle

import (
	"fmt"
	"strings"
)

// Generator splits text into cues and assigns timing.
type Generator struct {
	// MaxCueRunes is the longest a single cue may be, in runes.
	MaxCueRunes int
	// MinCueSeconds and MaxCueSeconds clamp the duration of each cue.
	MinCueSeconds float64
	MaxCueSeconds float64
}

// NewGenerator returns a Generator with the default cue limits.
func NewGenerator() *Generator {
	return &Generator{
		MaxCueRunes:   30,
		MinCueSeconds: 1.5,
		MaxCueSeconds: 6.0,
	}
}

// splitRunes covers both ASCII and CJK clause punctuation. A cue always ends
// with the punctuation that closed it.
const splitRunes = ",.;!?，。；！？、"

// Generate renders SRT content for text spoken over audioDuration seconds.
// Empty or whitespace-only text yields an empty string.
func (g *Generator) Generate(text string, audioDuration float64) string {
	cues := g.splitText(text)
	if len(cues) == 0 {
		return ""
	}
	return g.render(cues, audioDuration)
}

// splitText breaks text on clause punctuation, then re-splits any piece that
// exceeds MaxCueRunes by packing its clauses greedily.
func (g *Generator) splitText(text string) []string {
	var out []string
	for _, sentence := range splitOnPunct(text) {
		if len([]rune(sentence)) <= g.MaxCueRunes {
			out = append(out, sentence)
			continue
		}
		out = append(out, g.packClauses(sentence)...)
	}
	return out
}

// splitOnPunct cuts text after each punctuation rune, keeping the
// punctuation attached to the preceding clause.
func splitOnPunct(text string) []string {
	var (
		parts   []string
		current strings.Builder
	)
	for _, r := range text {
		current.WriteRune(r)
		if strings.ContainsRune(splitRunes, r) {
			if s := strings.TrimSpace(current.String()); s != "" {
				parts = append(parts, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		parts = append(parts, s)
	}
	return parts
}

// packClauses re-splits an over-long sentence on the same punctuation and
// merges adjacent clauses while they fit within MaxCueRunes.
func (g *Generator) packClauses(sentence string) []string {
	var (
		result  []string
		current string
	)
	for _, clause := range splitOnPunct(sentence) {
		if current == "" {
			current = clause
			continue
		}
		if len([]rune(current))+len([]rune(clause)) <= g.MaxCueRunes {
			current += clause
		} else {
			result = append(result, current)
			current = clause
		}
	}
	if current != "" {
		result = append(result, current)
	}
	return result
}

func (g *Generator) render(cues []string, audioDuration float64) string {
	totalRunes := 0
	for _, c := range cues {
		totalRunes += len([]rune(c))
	}

	var b strings.Builder
	current := 0.0
	for i, cue := range cues {
		ratio := 1.0 / float64(len(cues))
		if totalRunes > 0 {
			ratio = float64(len([]rune(cue))) / float64(totalRunes)
		}
		duration := audioDuration * ratio
		if duration < g.MinCueSeconds {
			duration = g.MinCueSeconds
		}
		if duration > g.MaxCueSeconds {
			duration = g.MaxCueSeconds
		}

		start := current
		end := current + duration
		if end > audioDuration {
			end = audioDuration
		}

		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", formatTimestamp(start), formatTimestamp(end))
		b.WriteString(cue)
		b.WriteString("\n\n")

		current = end
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatTimestamp renders seconds as the SRT HH:MM:SS,mmm form.
func formatTimestamp(seconds float64) string {
	hours := int(seconds) / 3600
	minutes := (int(seconds) % 3600) / 60
	secs := int(seconds) % 60
	millis := int((seconds - float64(int(seconds))) * 1000)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, secs, millis)
}
