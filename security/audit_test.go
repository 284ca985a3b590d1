package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func auditorWithBuffer(enabled bool) (*Auditor, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(buf, nil))
	return NewAuditor(logger, enabled), buf
}

func TestLogEventHashesAccountID(t *testing.T) {
	auditor, buf := auditorWithBuffer(true)

	auditor.LogEvent(Event{
		Type:      EventCodeIssued,
		AccountID: "alice@example.com",
		ClientID:  "web-app",
		GrantID:   "grant-1",
	})

	out := buf.String()
	if !strings.Contains(out, "security_audit") {
		t.Fatal("expected a security_audit record")
	}
	if !strings.Contains(out, EventCodeIssued) {
		t.Fatal("expected the event type in the record")
	}
	if strings.Contains(out, "alice@example.com") {
		t.Fatal("raw account id must never reach the log")
	}
	if !strings.Contains(out, "account_id_hash") {
		t.Fatal("expected a hashed account id field")
	}
	if !strings.Contains(out, "web-app") {
		t.Fatal("client id should be logged as-is")
	}
}

func TestDisabledAuditorLogsNothing(t *testing.T) {
	auditor, buf := auditorWithBuffer(false)

	auditor.LogEvent(Event{Type: EventCodeIssued, AccountID: "alice"})
	auditor.LogExchangeFailure("alice", "web-app", "code_replayed")
	auditor.LogTokenIssued("alice", "web-app", "g", "openid")
	auditor.LogGrantRevoked("alice", "web-app", "g", 3)

	if buf.Len() != 0 {
		t.Fatalf("disabled auditor wrote: %s", buf.String())
	}
}

func TestLogExchangeFailureCarriesReason(t *testing.T) {
	auditor, buf := auditorWithBuffer(true)

	auditor.LogExchangeFailure("alice", "web-app", "pkce_verification_failed")

	out := buf.String()
	if !strings.Contains(out, "pkce_verification_failed") {
		t.Fatal("expected the internal reason in the audit record")
	}
	if !strings.Contains(out, EventExchangeFailed) {
		t.Fatal("expected the exchange-failed event type")
	}
}

func TestHashForLogging(t *testing.T) {
	if hashForLogging("") != "" {
		t.Fatal("empty value must stay empty")
	}
	a := hashForLogging("alice")
	if a == "alice" {
		t.Fatal("hash must differ from input")
	}
	if a != hashForLogging("alice") {
		t.Fatal("hash must be deterministic")
	}
	if a == hashForLogging("bob") {
		t.Fatal("different inputs must hash differently")
	}
	if len(a) != 16 {
		t.Fatalf("hash length = %d, want 16 hex chars", len(a))
	}
}
