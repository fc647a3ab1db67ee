package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Phase distinguishes the two audit entries every workflow action produces:
// the intent recorded before the external effect is attempted, and the
// result recorded after.
type Phase string

const (
	PhaseIntent Phase = "intent"
	PhaseResult Phase = "result"
)

// IntentDescriptor is the caller-supplied shape of an about-to-happen
// action, passed to RecordIntent.
type IntentDescriptor struct {
	WorkflowID string
	StepID     string
	Action     string
	Target     string
	Payload    any
}

// Outcome is the caller-supplied shape of a completed action, passed to
// RecordResult.
type Outcome struct {
	Success      bool
	Summary      string
	ErrorClass   string
	ErrorMessage string
}

// Record is one line of the audit trail: a hash-chained, optionally
// HMAC'd, append-only entry.
type Record struct {
	Seq           uint64    `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	Phase         Phase     `json:"phase"`
	WorkflowID    string    `json:"workflowId"`
	StepID        string    `json:"stepId"`
	Action        string    `json:"action"`
	Target        string    `json:"target"`
	IntentSeq     *uint64   `json:"intentSeq,omitempty"`
	CorrelationID string    `json:"correlationId"`
	Payload       any       `json:"payload"`
	HMAC          string    `json:"hmac,omitempty"`
	PrevChecksum  string    `json:"prevChecksum"`
	Checksum      string    `json:"checksum"`
}

// formWithout returns the record's JSON encoding with Checksum cleared and,
// when includeHMAC is false, HMAC cleared too. HMAC is computed over the
// form without either field; Checksum is computed over the form with HMAC
// already set (if any) but without Checksum itself.
func (r Record) formWithout(includeHMAC bool) ([]byte, error) {
	c := r
	c.Checksum = ""
	if !includeHMAC {
		c.HMAC = ""
	}
	return json.Marshal(c)
}

// sign computes r.HMAC (if hmacKey is non-empty) and then r.Checksum, in
// that order, so the checksum covers the HMAC value once it is known.
func (r *Record) sign(hmacKey []byte) error {
	if len(hmacKey) > 0 {
		data, err := r.formWithout(false)
		if err != nil {
			return err
		}
		mac := hmac.New(sha256.New, hmacKey)
		mac.Write(data)
		r.HMAC = hex.EncodeToString(mac.Sum(nil))
	}

	data, err := r.formWithout(true)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	r.Checksum = hex.EncodeToString(sum[:])
	return nil
}

// verifyChecksum reproduces the self-checksum over the record's canonical
// form (HMAC included, Checksum cleared) and compares it to the stored
// value.
func (r Record) verifyChecksum() bool {
	data, err := r.formWithout(true)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == r.Checksum
}
