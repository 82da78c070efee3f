package textnorm

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"emoji decorations", "✅ Deployment finished 🚀", "Deployment finished"},
		{"internal tags", "<tool_call>az group list</tool_call> done", "az group list done"},
		{"markers", "endpoint=/api/cli ran the command session_id=abc", "ran the command"},
		{"blob paths", "saved to https://acct.blob.core.windows.net/logs/run.json ok", "saved to ok"},
		{"blob uri", "wrote blob://container/a/b.txt", "wrote"},
		{"cache keys", "loaded thread:s1 and memoria:s1:context", "loaded and"},
		{"bracket tags", "[DEBUG trace=1] user asked for status", "user asked for status"},
		{"whitespace", "  many   spaces\n\nhere ", "many spaces here"},
		{"plain text untouched", "How do I list resource groups?", "How do I list resource groups?"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Sanitize(tc.in))
		})
	}
}

func TestClipBoundary(t *testing.T) {
	const bound = 32

	exact := strings.Repeat("a", bound)
	assert.Equal(t, exact, Clip(exact, bound), "text of exactly the bound is unchanged")

	over := strings.Repeat("a", bound+1)
	clipped := Clip(over, bound)
	assert.True(t, strings.HasSuffix(clipped, TruncationMarker))
	assert.Len(t, clipped, bound)

	assert.Equal(t, "abc", Clip("abcdef", 3), "bound smaller than marker cuts hard")
}

func TestClipCountsBytes(t *testing.T) {
	const bound = 32

	exact := strings.Repeat("é", bound/2)
	assert.Equal(t, exact, Clip(exact, bound))

	over := strings.Repeat("é", bound/2+1)
	clipped := Clip(over, bound)
	assert.LessOrEqual(t, len(clipped), bound)
	assert.True(t, utf8.ValidString(clipped))
	assert.Equal(t, strings.Repeat("é", 10)+TruncationMarker, clipped)

	assert.Equal(t, "日", Clip("日本語", 5), "a rune is never split")
}

func TestClipNeverExceedsBound(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		bound := rapid.IntRange(1, 300).Draw(t, "bound")
		got := Clip(text, bound)
		if len(got) > bound {
			t.Fatalf("clipped size %d exceeds bound %d", len(got), bound)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("clipping produced invalid UTF-8: %q", got)
		}
	})
}

func TestHash(t *testing.T) {
	assert.Equal(t, Hash("Hello   World"), Hash("hello world"))
	assert.NotEqual(t, Hash("hello world"), Hash("hello worlds"))
	assert.Len(t, Hash("x"), 64)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 20, EstimateTokens(strings.Repeat("x", 80)))
}

func TestExtractIdentifier(t *testing.T) {
	id, ok := ExtractIdentifier("what happened to 7f1e4c9a-1234-4abc-9def-0123456789ab yesterday?")
	assert.True(t, ok)
	assert.Equal(t, "7f1e4c9a-1234-4abc-9def-0123456789ab", id)

	id, ok = ExtractIdentifier("look up tenant id: contoso-42.")
	assert.True(t, ok)
	assert.Equal(t, "contoso-42", id)

	id, ok = ExtractIdentifier("the client id is AB123")
	assert.True(t, ok)
	assert.Equal(t, "AB123", id)

	_, ok = ExtractIdentifier("what is a client id anyway")
	assert.True(t, ok, "the word after the keyword is taken as the identifier")

	_, ok = ExtractIdentifier("how are you today")
	assert.False(t, ok)
}

func TestOverlap(t *testing.T) {
	q := Keywords("deploy the storage account")
	assert.InDelta(t, 1.0, Overlap(q, "Storage account deploy failed"), 1e-9)
	assert.InDelta(t, 0.0, Overlap(q, "unrelated"), 1e-9)
	assert.Equal(t, 0.0, Overlap(map[string]struct{}{}, "anything"))
}
