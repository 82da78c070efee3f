// Package textnorm turns raw turn payloads into the display-safe text stored
// as texto_semantico, and provides the hashing, clipping and token estimates
// the memory tiers rely on.
package textnorm

import (
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/forPelevin/gomoji"
	"github.com/zeebo/blake3"
)

// TruncationMarker is appended to clipped payloads.
const TruncationMarker = " [truncated]"

var (
	// Host-formatting artefacts removed before storage.
	tagPattern      = regexp.MustCompile(`</?[A-Za-z_][A-Za-z0-9_:-]*(?:\s[^<>]*)?>`)
	bracketPattern  = regexp.MustCompile(`(?i)\[(?:debug|internal|system|tool|meta|trace)[^\]]*\]`)
	markerPattern   = regexp.MustCompile(`(?i)\b(?:endpoint|session_id|agent_id|texto_hash|document_class|event_type|request_id)\s*[=:]\s*\S+`)
	blobURLPattern  = regexp.MustCompile(`(?i)\bhttps?://[a-z0-9.-]+\.blob\.core\.windows\.net/\S*`)
	blobURIPattern  = regexp.MustCompile(`(?i)\b(?:blob|wasbs?|abfss?|s3|gs)://\S+`)
	cacheKeyPattern = regexp.MustCompile(`\b(?:thread|memoria):[A-Za-z0-9_.:-]+`)
	joinerPattern   = regexp.MustCompile("[\u200d\ufe0f\u20e3]")
	spacePattern    = regexp.MustCompile(`\s+`)
)

// Sanitize rewrites text so it is fit for direct display: decorative emoji,
// internal tags, key=value markers, blob paths and cache keys are removed and
// whitespace is collapsed.
func Sanitize(text string) string {
	out := gomoji.RemoveEmojis(text)
	out = joinerPattern.ReplaceAllString(out, "")
	out = tagPattern.ReplaceAllString(out, " ")
	out = bracketPattern.ReplaceAllString(out, " ")
	out = markerPattern.ReplaceAllString(out, " ")
	out = blobURLPattern.ReplaceAllString(out, " ")
	out = blobURIPattern.ReplaceAllString(out, " ")
	out = cacheKeyPattern.ReplaceAllString(out, " ")
	out = spacePattern.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// Clip bounds text to maxBytes bytes of UTF-8. Text of exactly maxBytes is
// returned unchanged; longer text is cut on a rune boundary and ends with
// TruncationMarker, the result still fitting in maxBytes.
func Clip(text string, maxBytes int) string {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text
	}
	if maxBytes <= len(TruncationMarker) {
		return cutRunes(text, maxBytes)
	}
	kept := strings.TrimRight(cutRunes(text, maxBytes-len(TruncationMarker)), " ")
	return kept + TruncationMarker
}

// cutRunes returns the longest prefix of text that fits in n bytes without
// splitting a rune. n must be less than len(text).
func cutRunes(text string, n int) string {
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

// Hash returns the dedup key of text. Case and whitespace differences do not
// change the hash.
func Hash(text string) string {
	canonical := strings.ToLower(spacePattern.ReplaceAllString(strings.TrimSpace(text), " "))
	sum := blake3.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// CharsPerToken is the token estimate heuristic.
const CharsPerToken = 4

// EstimateTokens approximates the token cost of text at four characters per
// token, rounding up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + CharsPerToken - 1) / CharsPerToken
}
