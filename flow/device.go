package flow

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/grantstore/security"
	"github.com/giantswarm/grantstore/storage"
)

// userCodeCharset is the alphabet for human-entered device codes. Consonants
// only, so no real words form and visually ambiguous characters (0/O, 1/I)
// never appear.
const userCodeCharset = "BCDFGHJKLMNPQRSTVWXZ"

// userCodeGroupLen is the length of each user code segment (XXXX-XXXX).
const userCodeGroupLen = 4

// DeviceAuthorization is the result of StartDeviceAuthorization.
type DeviceAuthorization struct {
	DeviceCode string

	// UserCode is what the end user types at the verification URI.
	UserCode string

	// VerificationUID is an opaque id for deep-link verification URIs
	// (verification_uri_complete); resolvable via the uid index.
	VerificationUID string

	ExpiresIn int64
	Interval  time.Duration
}

// StartDeviceAuthorization begins an RFC 8628 device flow for the client.
func (f *Flow) StartDeviceAuthorization(ctx context.Context, clientID, scope string) (*DeviceAuthorization, error) {
	if _, err := f.clients.FindClient(ctx, clientID); err != nil {
		return nil, ErrInvalidClient("unknown client")
	}

	userCode, err := generateUserCode()
	if err != nil {
		return nil, ErrServerError("failed to generate user code")
	}

	ttl := f.ttlFor(storage.CategoryDeviceCode)
	auth := &DeviceAuthorization{
		DeviceCode:      newArtifactKey(),
		UserCode:        userCode,
		VerificationUID: uuid.NewString(),
		ExpiresIn:       int64(ttl.Seconds()),
		Interval:        f.cfg.DevicePollInterval,
	}

	payload, err := storage.MarshalPayload(storage.DevicePayload{Interval: auth.Interval})
	if err != nil {
		return nil, ErrServerError("failed to encode device payload")
	}

	entity := &storage.StoredEntity{
		Category: storage.CategoryDeviceCode,
		Key:      auth.DeviceCode,
		ClientID: clientID,
		Scope:    scope,
		UserCode: auth.UserCode,
		UID:      auth.VerificationUID,
		Payload:  payload,
	}
	if err := f.store.Upsert(ctx, entity, ttl); err != nil {
		return nil, ErrServerError("failed to persist device code")
	}

	return auth, nil
}

// FindDeviceAuthorizationByUserCode resolves a user-entered code to its
// pending device entity, for rendering the approval screen.
func (f *Flow) FindDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.StoredEntity, error) {
	entity, err := f.store.FindByUserCode(ctx, userCode)
	if err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			return nil, ErrInvalidGrant()
		}
		return nil, fmt.Errorf("storage failure during user code lookup: %w", err)
	}
	return entity, nil
}

// ApproveDeviceAuthorization records the end user's approval, binding the
// device code to the account and the grant that authorizes it.
func (f *Flow) ApproveDeviceAuthorization(ctx context.Context, userCode, accountID, grantID string) error {
	entity, err := f.FindDeviceAuthorizationByUserCode(ctx, userCode)
	if err != nil {
		return err
	}

	var payload storage.DevicePayload
	if err := storage.UnmarshalPayload(entity.Payload, &payload); err != nil {
		return ErrServerError("corrupt device payload")
	}
	if payload.Denied {
		return ErrAccessDenied("the request was already denied")
	}

	payload.Approved = true
	data, err := storage.MarshalPayload(payload)
	if err != nil {
		return ErrServerError("failed to encode device payload")
	}

	updated := entity.Clone()
	updated.AccountID = accountID
	updated.GrantID = grantID
	updated.Payload = data

	remaining := entity.ExpiresAt.Sub(f.now())
	if remaining <= 0 {
		return ErrExpiredToken()
	}
	if err := f.store.Upsert(ctx, updated, remaining); err != nil {
		return ErrServerError("failed to persist device approval")
	}

	f.auditor.LogEvent(security.Event{
		Type:      security.EventDeviceApproved,
		AccountID: accountID,
		ClientID:  entity.ClientID,
		GrantID:   grantID,
	})
	return nil
}

// DenyDeviceAuthorization records the end user's rejection.
func (f *Flow) DenyDeviceAuthorization(ctx context.Context, userCode string) error {
	entity, err := f.FindDeviceAuthorizationByUserCode(ctx, userCode)
	if err != nil {
		return err
	}

	var payload storage.DevicePayload
	if err := storage.UnmarshalPayload(entity.Payload, &payload); err != nil {
		return ErrServerError("corrupt device payload")
	}
	payload.Denied = true
	data, err := storage.MarshalPayload(payload)
	if err != nil {
		return ErrServerError("failed to encode device payload")
	}

	updated := entity.Clone()
	updated.Payload = data

	remaining := entity.ExpiresAt.Sub(f.now())
	if remaining <= 0 {
		return ErrExpiredToken()
	}
	if err := f.store.Upsert(ctx, updated, remaining); err != nil {
		return ErrServerError("failed to persist device denial")
	}

	f.auditor.LogEvent(security.Event{
		Type:     security.EventDeviceDenied,
		ClientID: entity.ClientID,
	})
	return nil
}

// RedeemDeviceCode is the device-flow token-endpoint poll. Until the user
// decides it returns authorization_pending; on denial access_denied; on
// approval the code is consumed (one shot) and tokens are issued under the
// approving grant.
func (f *Flow) RedeemDeviceCode(ctx context.Context, deviceCode, clientID, clientSecret string) (*TokenSet, error) {
	if _, authErr := f.authenticateClient(ctx, clientID, clientSecret); authErr != nil {
		return nil, authErr
	}

	entity, err := f.store.Find(ctx, storage.CategoryDeviceCode, deviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			return nil, ErrExpiredToken()
		}
		return nil, ErrServerError("storage failure during device code poll")
	}
	if entity.ClientID != clientID {
		return nil, f.rejectExchange(ctx, entity.AccountID, clientID, reasonClientMismatch)
	}

	var payload storage.DevicePayload
	if err := storage.UnmarshalPayload(entity.Payload, &payload); err != nil {
		return nil, ErrServerError("corrupt device payload")
	}

	switch {
	case payload.Denied:
		// Denial is terminal; burn the code.
		if err := f.store.Consume(ctx, storage.CategoryDeviceCode, deviceCode); err != nil {
			f.logger.Warn("Failed to consume denied device code", "error", err)
		}
		f.metrics.RecordDeviceFlowCompleted(ctx, clientID, false)
		return nil, ErrAccessDenied("the end user denied the request")
	case !payload.Approved:
		return nil, ErrAuthorizationPending()
	}

	// Approved: the consume is the atomic step, so a device code can be
	// redeemed exactly once even under concurrent polling.
	consumed, err := f.store.ConsumeLive(ctx, storage.CategoryDeviceCode, deviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrEntityConsumed) {
			return nil, f.rejectExchange(ctx, entity.AccountID, clientID, reasonCodeReplayed)
		}
		if errors.Is(err, storage.ErrEntityNotFound) {
			return nil, ErrExpiredToken()
		}
		return nil, ErrServerError("storage failure during device code redemption")
	}

	grant, err := f.FindGrant(ctx, consumed.GrantID)
	if err != nil || grant.State != storage.GrantStateGranted {
		return nil, f.rejectExchange(ctx, consumed.AccountID, clientID, reasonGrantNotActive)
	}

	set, issueErr := f.issueTokens(ctx, grant, consumed.Scope, "")
	if issueErr != nil {
		return nil, issueErr
	}

	f.metrics.RecordDeviceFlowCompleted(ctx, clientID, true)
	f.auditor.LogTokenIssued(consumed.AccountID, clientID, consumed.GrantID, set.Scope)
	return set, nil
}

// generateUserCode draws a XXXX-XXXX code from the consonant alphabet using
// a CSPRNG.
func generateUserCode() (string, error) {
	buf := make([]byte, 0, userCodeGroupLen*2+1)
	max := big.NewInt(int64(len(userCodeCharset)))
	for i := 0; i < userCodeGroupLen*2; i++ {
		if i == userCodeGroupLen {
			buf = append(buf, '-')
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to draw user code character: %w", err)
		}
		buf = append(buf, userCodeCharset[n.Int64()])
	}
	return string(buf), nil
}
