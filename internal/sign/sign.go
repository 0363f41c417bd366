// Package sign produces the MACs that make tracking, open and unsubscribe
// URLs tamper-proof. Each link type signs a fixed, ordered field tuple;
// the tuples are part of the externally visible URL format, so changing
// field order breaks links that are already in recipients' inboxes.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

type Signer struct {
	secret []byte
}

func New(secret string) Signer {
	return Signer{secret: []byte(secret)}
}

// URLMAC signs a tracked link over url, position, recipient, run, in
// that order.
func (s Signer) URLMAC(url string, position int, recipientID, runID string) string {
	return s.sum(url, strconv.Itoa(position), recipientID, runID)
}

// OpenMAC signs an open-tracking pixel: recipient, run.
func (s Signer) OpenMAC(recipientID, runID string) string {
	return s.sum(recipientID, runID)
}

// UnsubscribeMAC signs an unsubscribe link: recipient, campaign.
func (s Signer) UnsubscribeMAC(recipientID, campaignID string) string {
	return s.sum(recipientID, campaignID)
}

// Verify compares a presented MAC against the expected one in constant
// time. Callers must treat a mismatch as a silent rejection.
func Verify(presented, expected string) bool {
	return hmac.Equal([]byte(presented), []byte(expected))
}

func (s Signer) sum(fields ...string) string {
	mac := hmac.New(sha256.New, s.secret)
	for _, f := range fields {
		mac.Write([]byte(f))
	}
	return hex.EncodeToString(mac.Sum(nil))
}
