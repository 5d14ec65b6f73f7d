package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"charter/internal/domain"
)

// Fingerprint derives the deterministic cache and dedup key for an action
// under a ruleset version. Two actions with the same fingerprint must receive
// the same decision while the version is unchanged, so it covers everything
// rule predicates can address: actor, risk level, and the payload,
// canonicalized (sorted keys, stable scalar encoding) before hashing.
func Fingerprint(action domain.Action, rulesetVersion string) string {
	var b strings.Builder
	writeCanonical(&b, action.Payload)

	h := sha256.New()
	h.Write([]byte(b.String()))
	h.Write([]byte{0})
	h.Write([]byte(action.Actor))
	h.Write([]byte{0})
	h.Write([]byte(action.RiskLevel))
	h.Write([]byte{0})
	h.Write([]byte(rulesetVersion))
	return hex.EncodeToString(h.Sum(nil))
}

// writeCanonical renders a payload value with sorted map keys. json.Marshal
// handles scalar and slice encoding; only maps need explicit ordering.
func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%q:", k)
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		enc, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(b, "%q", fmt.Sprintf("%v", val))
			return
		}
		b.Write(enc)
	}
}
