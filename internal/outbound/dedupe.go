// Package outbound owns at-most-once execution of logical sends. A send is
// identified by a deterministic fingerprint inserted as a unique ledger row
// before any network call; only one insert can succeed per fingerprint, so a
// send can never race itself.
package outbound

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// purposeAutoReply is the fixed purpose component for triggered sends.
const purposeAutoReply = "auto_reply"

// fingerprint hashes the joined parts into a hex dedupe key.
func fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// TriggeredKey fingerprints a reply caused by a specific inbound message.
// The key depends only on which inbound message triggered the reply, never
// on the reply text: retried webhook deliveries that regenerate slightly
// different AI output still dedupe to the same send.
func TriggeredKey(conversationID uint, triggerMessageID, channel string) string {
	return fingerprint(fmt.Sprintf("%d", conversationID), triggerMessageID, channel, purposeAutoReply)
}

// UntriggeredKey fingerprints a manual, scheduled, or follow-up send. The
// day bucket bounds how long a given message is deduplicated (one calendar
// day); the content hash distinguishes genuinely different messages sent the
// same day.
func UntriggeredKey(conversationID uint, replyType, questionKey, dayBucket, contentHash string) string {
	return fingerprint(fmt.Sprintf("%d", conversationID), replyType, questionKey, dayBucket, contentHash)
}

// ContentHash hashes normalized content for untriggered fingerprints.
func ContentHash(content string) string {
	return fingerprint(strings.TrimSpace(content))
}

// DayBucket formats t as the calendar-day component of untriggered keys.
func DayBucket(t time.Time) string {
	return t.Format("2006-01-02")
}
