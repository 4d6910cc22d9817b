package reminder

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// DedupKey returns the deterministic identity of a reminder:
// Hash(MedicationID|ScheduledTime|Channel). The dose time is used rather than
// the adjusted fire time so changing lead time or quiet hours keeps the key.
func DedupKey(medicationID string, scheduled time.Time, ch Channel) string {
	parts := []string{
		medicationID,
		scheduled.UTC().Truncate(time.Second).Format(time.RFC3339),
		string(ch),
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// SnoozeKey returns the key of a reminder snoozed from original until at. It
// never collides with a scheduled reminder's key.
func SnoozeKey(original string, at time.Time) string {
	hash := sha256.Sum256([]byte("snooze|" + original + "|" + at.UTC().Truncate(time.Second).Format(time.RFC3339)))
	return hex.EncodeToString(hash[:])
}
