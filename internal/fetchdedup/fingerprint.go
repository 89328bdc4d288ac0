// Package fetchdedup fingerprints outbound fetch requests and
// short-circuits duplicates inside a time window, reusing the entity IDs
// the first fetch cached. This is an at-most-one-fetch-per-window
// guarantee, not a correctness requirement: staleness inside the TTL is
// expected and acceptable.
package fetchdedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Request describes an outbound fetch before normalization.
type Request struct {
	Tool     string
	Provider string
	Args     map[string]interface{}
}

// Only semantically relevant filter fields participate in the
// fingerprint. Hashing the raw argument object would make field ordering
// or an absent optional field a false cache miss.
var allowedFields = map[string]struct{}{
	"sender":           {},
	"subject_contains": {},
	"date_from":        {},
	"date_to":          {},
	"limit":            {},
	"entity_type":      {},
}

// Fingerprint reduces req to a stable string: tool, provider, then the
// allow-listed args in sorted key order.
func Fingerprint(req Request) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(req.Tool))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(req.Provider))

	keys := make([]string, 0, len(req.Args))
	for k := range req.Args {
		if _, ok := allowedFields[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := req.Args[k]
		if v == nil || v == "" {
			continue
		}
		fmt.Fprintf(&b, "|%s=%v", k, v)
	}
	return b.String()
}

// Hash returns the hex SHA-256 of req's fingerprint.
func Hash(req Request) string {
	sum := sha256.Sum256([]byte(Fingerprint(req)))
	return hex.EncodeToString(sum[:])
}
