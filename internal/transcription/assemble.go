package transcription

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Sentences at or below this normalized length are never deduplicated
const minDedupLength = 5

// A sentence is a run ending in terminal punctuation, or the unterminated remainder
var sentencePattern = regexp.MustCompile(`[^.!?]*[.!?]+|[^.!?]+$`)

// Failed-chunk markers are kept whole regardless of the punctuation they carry
var chunkMarkerPattern = regexp.MustCompile(`\[Error with part \d+: [^\]]*\]`)

// Join concatenates fragments in order, separating non-empty ones with a single space
func Join(fragments []string) string {
	var b strings.Builder
	for _, fragment := range fragments {
		if fragment == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(fragment)
	}
	return b.String()
}

// Deduplicate drops repeated sentences, keeping the first occurrence. Sentences
// are compared case-insensitively with whitespace collapsed; those of
// minDedupLength characters or fewer are always kept. Failed-chunk markers
// count as one sentence each. Survivors keep their original text and are
// joined with single spaces.
func Deduplicate(text string) string {
	seen := make(map[string]struct{})
	kept := make([]string, 0)

	last := 0
	for _, loc := range chunkMarkerPattern.FindAllStringIndex(text, -1) {
		kept = appendSentences(kept, seen, text[last:loc[0]])
		kept = append(kept, text[loc[0]:loc[1]])
		last = loc[1]
	}
	kept = appendSentences(kept, seen, text[last:])

	return strings.Join(kept, " ")
}

func appendSentences(kept []string, seen map[string]struct{}, text string) []string {
	for _, match := range sentencePattern.FindAllString(text, -1) {
		sentence := strings.TrimSpace(match)
		if sentence == "" {
			continue
		}

		key := normalizeSentence(sentence)
		if utf8.RuneCountInString(key) > minDedupLength {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}

		kept = append(kept, sentence)
	}
	return kept
}

// Assemble joins chunk fragments in order and removes duplicated sentences
// introduced where chunk boundaries overlap
func Assemble(fragments []string) string {
	return Deduplicate(Join(fragments))
}

func normalizeSentence(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
