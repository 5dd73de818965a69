package guardrails

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives a short stable signature for a failure: the category
// plus the first three findings, hashed. Two runs that fail the same way
// produce the same fingerprint, which lets retry logic detect loops.
func Fingerprint(category string, findings []string) string {
	head := findings
	if len(head) > 3 {
		head = head[:3]
	}
	sum := sha256.Sum256([]byte(category + ":" + strings.Join(head, "|")))
	return hex.EncodeToString(sum[:])[:16]
}
