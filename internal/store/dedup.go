package store

import (
	"crypto/sha256"
	"encoding/hex"

	"dgmonitor/internal/model"
)

// computeDedupKey identifies an alert so a replayed enqueue does not notify twice.
// Alerts tied to an event dedupe on event, channel and recipient; others hash their
// content.
func computeDedupKey(a model.AlertRecord) string {
	if a.EventID != "" {
		return a.EventID + "|" + string(a.Channel) + "|" + a.Recipient
	}
	h := sha256.New()
	for _, s := range []string{a.SessionID, string(a.Channel), a.Recipient, a.Subject, a.Body} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}
