package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const genesis = "GENESIS"

func ComputeHash(prev string, e Event) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.AuditID))
	_, _ = h.Write([]byte("|" + e.RecordedAt.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	_, _ = h.Write([]byte("|" + e.ActorID + "|" + e.ObjectType + "|" + e.ObjectID + "|" + e.Action + "|" + string(e.Result)))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x|%x", e.Before, e.After)))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes every link and returns the index of the first broken
// event, or -1 when the chain is intact.
func VerifyChain(events []Event) int {
	prev := genesis
	for i, e := range events {
		if e.HashPrev != prev || ComputeHash(prev, e) != e.HashCurr {
			return i
		}
		prev = e.HashCurr
	}
	return -1
}
