package audit

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestTrail(t *testing.T, dir string) *Trail {
	t.Helper()
	tr, err := Open(Config{Path: filepath.Join(dir, "audit-trail.jsonl")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return tr
}

func TestIntentThenResultVerifies(t *testing.T) {
	dir := t.TempDir()
	tr := openTestTrail(t, dir)
	defer func() { _ = tr.Close() }()

	seq, err := tr.RecordIntent(IntentDescriptor{
		WorkflowID: "wf1", StepID: "s1", Action: "create_pull_request", Target: "owner/repo",
		Payload: map[string]any{"title": "T"},
	})
	if err != nil {
		t.Fatalf("RecordIntent: %v", err)
	}

	if _, err := tr.RecordResult(seq, Outcome{Success: true, Summary: "created"}); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	valid, count, broken, mismatched := tr.VerifyChain()
	if !valid {
		t.Fatalf("VerifyChain: expected valid, broken=%v mismatched=%v", broken, mismatched)
	}
	if count != 2 {
		t.Fatalf("VerifyChain: count=%d, want 2", count)
	}
	if pending := tr.GetPendingIntents(); len(pending) != 0 {
		t.Fatalf("expected no pending intents, got %v", pending)
	}
}

func TestRecordResultWithUnknownIntentFails(t *testing.T) {
	dir := t.TempDir()
	tr := openTestTrail(t, dir)
	defer func() { _ = tr.Close() }()

	_, err := tr.RecordResult(999, Outcome{Success: true})
	if err == nil {
		t.Fatalf("expected error for unknown intent seq")
	}
}

func TestRecordResultAgainstAnotherResultFails(t *testing.T) {
	dir := t.TempDir()
	tr := openTestTrail(t, dir)
	defer func() { _ = tr.Close() }()

	seq, err := tr.RecordIntent(IntentDescriptor{WorkflowID: "wf1", StepID: "s1", Action: "a", Target: "t"})
	if err != nil {
		t.Fatalf("RecordIntent: %v", err)
	}
	resultSeq, err := tr.RecordResult(seq, Outcome{Success: true})
	if err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	if _, err := tr.RecordResult(resultSeq, Outcome{Success: true}); err == nil {
		t.Fatalf("expected error referencing a result record as an intent")
	}
}

func TestVerifyChainDetectsTamperedByte(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit-trail.jsonl")
	tr, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seq, err := tr.RecordIntent(IntentDescriptor{WorkflowID: "wf1", StepID: "s1", Action: "a", Target: "t"})
	if err != nil {
		t.Fatalf("RecordIntent: %v", err)
	}
	if _, err := tr.RecordResult(seq, Outcome{Success: true}); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// Flip a byte in the middle of the file's action field value.
	for i, b := range data {
		if b == 'a' {
			data[i] = 'b'
			break
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tr2, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = tr2.Close() }()

	valid, _, broken, mismatched := tr2.VerifyChain()
	if valid {
		t.Fatalf("expected tampered chain to be invalid")
	}
	if broken == nil || len(mismatched) == 0 {
		t.Fatalf("expected a broken sequence to be reported")
	}
}

func TestHMACSigningChangesChecksum(t *testing.T) {
	dir := t.TempDir()
	plain := openTestTrail(t, dir)
	seq, _ := plain.RecordIntent(IntentDescriptor{WorkflowID: "wf1", StepID: "s1", Action: "a", Target: "t"})
	_, _ = plain.RecordResult(seq, Outcome{Success: true})
	_ = plain.Close()

	dir2 := t.TempDir()
	hmacTrail, err := Open(Config{Path: filepath.Join(dir2, "audit-trail.jsonl"), HMACKey: []byte("secret")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = hmacTrail.Close() }()
	seq2, err := hmacTrail.RecordIntent(IntentDescriptor{WorkflowID: "wf1", StepID: "s1", Action: "a", Target: "t"})
	if err != nil {
		t.Fatalf("RecordIntent: %v", err)
	}
	if _, err := hmacTrail.RecordResult(seq2, Outcome{Success: true}); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	valid, _, _, _ := hmacTrail.VerifyChain()
	if !valid {
		t.Fatalf("expected HMAC-signed chain to verify")
	}
}

func TestReopenPreservesPendingIntents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit-trail.jsonl")
	tr, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seq, err := tr.RecordIntent(IntentDescriptor{WorkflowID: "wf1", StepID: "s1", Action: "a", Target: "t"})
	if err != nil {
		t.Fatalf("RecordIntent: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tr2, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = tr2.Close() }()

	pending := tr2.GetPendingIntents()
	if len(pending) != 1 || pending[0] != seq {
		t.Fatalf("expected pending intent %d to survive reopen, got %v", seq, pending)
	}
}
