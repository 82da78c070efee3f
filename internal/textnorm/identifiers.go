package textnorm

import (
	"regexp"
	"strings"
)

var (
	uuidPattern       = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	keywordIDPattern  = regexp.MustCompile(`(?i)\b(?:client|tenant|subscription|customer|reservation|booking)[ _-]?id\b\s*(?:is|=|:|#)?\s*([A-Za-z0-9][A-Za-z0-9_.-]{2,})`)
	wordPattern       = regexp.MustCompile(`[\p{L}\p{N}]+`)
	trailingPunctuate = ".,;:"
)

// ExtractIdentifier finds a literal identifier in an utterance: a UUID, or the
// token following a keyword such as "client id" or "tenant id".
func ExtractIdentifier(utterance string) (string, bool) {
	if id := uuidPattern.FindString(utterance); id != "" {
		return id, true
	}
	if m := keywordIDPattern.FindStringSubmatch(utterance); m != nil {
		id := strings.TrimRight(m[1], trailingPunctuate)
		if len(id) >= 3 {
			return id, true
		}
	}
	return "", false
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "that": {}, "this": {}, "with": {}, "what": {},
	"you": {}, "are": {}, "was": {}, "did": {}, "have": {}, "from": {}, "but": {},
	"not": {}, "can": {}, "please": {}, "que": {}, "los": {}, "las": {}, "por": {},
	"para": {}, "con": {}, "una": {}, "del": {},
}

// Keywords returns the distinct lower-cased content words of text.
func Keywords(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if len([]rune(w)) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// Overlap returns the share of query keywords present in text, in [0,1].
func Overlap(query map[string]struct{}, text string) float64 {
	if len(query) == 0 {
		return 0
	}
	words := Keywords(text)
	hits := 0
	for w := range query {
		if _, ok := words[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
