package entitycache

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxBodyBytes is the hard cap on a cached entity body. Bodies are
// cleaned and truncated before storage, never at read time, so everything
// in the cache is directly consumable by a downstream language model.
const MaxBodyBytes = 5 * 1024

var stripPolicy = bluemonday.StrictPolicy()

// CleanBody strips markup from raw, unescapes HTML entities, collapses
// whitespace and truncates to MaxBodyBytes on a rune boundary. It reports
// whether truncation occurred and the cleaned length before truncation.
func CleanBody(raw string) (body string, wasTruncated bool, originalLength int) {
	text := stripPolicy.Sanitize(raw)
	text = html.UnescapeString(text)
	text = collapseWhitespace(text)
	originalLength = len(text)
	if len(text) <= MaxBodyBytes {
		return text, false, originalLength
	}
	cut := MaxBodyBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut], true, originalLength
}

// HashBody returns the hex SHA-256 of a cleaned body, used to detect
// re-fetches that changed nothing.
func HashBody(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
