package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	AccountID string
	ClientID  string
	GrantID   string
	Details   map[string]any
	Timestamp time.Time
}

// Audit event types for the grant core.
const (
	EventCodeIssued        = "authorization_code_issued"
	EventCodeExchanged     = "authorization_code_exchanged"
	EventCodeReuseDetected = "authorization_code_reuse_detected"
	EventPKCEFailed        = "pkce_validation_failed"
	EventExchangeFailed    = "code_exchange_failed"
	EventTokenIssued       = "token_issued"
	EventTokenRotated      = "refresh_token_rotated"
	EventTokenReuse        = "refresh_token_reuse_detected"
	EventGrantCreated      = "grant_created"
	EventGrantWidened      = "grant_widened"
	EventGrantRevoked      = "grant_revoked"
	EventDeviceApproved    = "device_code_approved"
	EventDeviceDenied      = "device_code_denied"
	EventRequestPushed     = "pushed_authorization_request_accepted"
)

// LogEvent logs a security event with hashed account ids
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"account_id_hash", hashForLogging(event.AccountID),
		"client_id", event.ClientID,
		"grant_id", event.GrantID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogExchangeFailure logs a failed code exchange with its internal reason
// class. The reason never reaches the client (it only ever sees
// invalid_grant); it exists for operators.
func (a *Auditor) LogExchangeFailure(accountID, clientID, reason string) {
	a.LogEvent(Event{
		Type:      EventExchangeFailed,
		AccountID: accountID,
		ClientID:  clientID,
		Details:   map[string]any{"reason": reason},
	})
}

// LogTokenIssued logs a successful token issuance
func (a *Auditor) LogTokenIssued(accountID, clientID, grantID, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		AccountID: accountID,
		ClientID:  clientID,
		GrantID:   grantID,
		Details:   map[string]any{"scope": scope},
	})
}

// LogGrantRevoked logs a cascading revocation
func (a *Auditor) LogGrantRevoked(accountID, clientID, grantID string, entitiesRevoked int) {
	a.LogEvent(Event{
		Type:      EventGrantRevoked,
		AccountID: accountID,
		ClientID:  clientID,
		GrantID:   grantID,
		Details:   map[string]any{"entities_revoked": entitiesRevoked},
	})
}

// hashForLogging hashes sensitive identifiers before they reach log output.
// Empty values stay empty so absent fields remain recognizable.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
