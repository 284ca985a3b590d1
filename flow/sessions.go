package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/giantswarm/grantstore/storage"
)

// Session is the decoded view of a browser login session.
type Session struct {
	ID        string
	AccountID string
	AuthTime  int64
	AMR       []string
}

// CreateSession records a fresh login for the account. AMR lists the
// authentication methods used (pwd, otp, ...), carried through to ID token
// claims.
func (f *Flow) CreateSession(ctx context.Context, accountID string, amr []string) (*Session, error) {
	if accountID == "" {
		return nil, fmt.Errorf("accountID is required")
	}
	if _, err := f.accounts.FindAccount(ctx, accountID); err != nil {
		return nil, fmt.Errorf("failed to resolve account: %w", err)
	}

	now := f.now()
	payload, err := storage.MarshalPayload(storage.SessionPayload{
		AuthTime: now,
		AMR:      append([]string(nil), amr...),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session payload: %w", err)
	}

	session := &Session{
		ID:        uuid.NewString(),
		AccountID: accountID,
		AuthTime:  now.Unix(),
		AMR:       append([]string(nil), amr...),
	}
	entity := &storage.StoredEntity{
		Category:  storage.CategorySession,
		Key:       session.ID,
		AccountID: accountID,
		SessionID: session.ID,
		Payload:   payload,
	}
	if err := f.store.Upsert(ctx, entity, f.ttlFor(storage.CategorySession)); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	return session, nil
}

// FindSession returns the live session for the id.
func (f *Flow) FindSession(ctx context.Context, sessionID string) (*Session, error) {
	entity, err := f.store.Find(ctx, storage.CategorySession, sessionID)
	if err != nil {
		return nil, err
	}
	return sessionFromEntity(entity)
}

// EndSession destroys the session record. Grants issued during the session
// stay valid: logout ends the login, not the authorizations the user made
// while logged in. Use RevokeGrant to withdraw those.
func (f *Flow) EndSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID is required")
	}
	return f.store.Destroy(ctx, storage.CategorySession, sessionID)
}

func sessionFromEntity(entity *storage.StoredEntity) (*Session, error) {
	var payload storage.SessionPayload
	if err := storage.UnmarshalPayload(entity.Payload, &payload); err != nil {
		return nil, fmt.Errorf("corrupt session payload: %w", err)
	}
	return &Session{
		ID:        entity.Key,
		AccountID: entity.AccountID,
		AuthTime:  payload.AuthTime.Unix(),
		AMR:       payload.AMR,
	}, nil
}

// Interaction is a short-lived handle for an in-progress login or consent
// screen. The UID travels in the user agent; the key stays server-side.
type Interaction struct {
	Key     string
	UID     string
	GrantID string
}

// StartInteraction opens an interaction bound to a grant that is waiting on
// the end user.
func (f *Flow) StartInteraction(ctx context.Context, grantID string) (*Interaction, error) {
	if grantID == "" {
		return nil, fmt.Errorf("grantID is required")
	}

	interaction := &Interaction{
		Key:     uuid.NewString(),
		UID:     uuid.NewString(),
		GrantID: grantID,
	}
	entity := &storage.StoredEntity{
		Category: storage.CategoryInteraction,
		Key:      interaction.Key,
		GrantID:  grantID,
		UID:      interaction.UID,
	}
	if err := f.store.Upsert(ctx, entity, f.ttlFor(storage.CategoryInteraction)); err != nil {
		return nil, fmt.Errorf("failed to persist interaction: %w", err)
	}
	return interaction, nil
}

// FinishInteraction resolves the UID carried by the user agent and consumes
// the interaction, returning the grant it was opened for. An interaction
// finishes once.
func (f *Flow) FinishInteraction(ctx context.Context, uid string) (*Interaction, error) {
	entity, err := f.store.FindByUID(ctx, uid)
	if err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			return nil, ErrInvalidRequest("unknown or expired interaction")
		}
		return nil, fmt.Errorf("storage failure during interaction lookup: %w", err)
	}
	if entity.Category != storage.CategoryInteraction {
		return nil, ErrInvalidRequest("unknown or expired interaction")
	}

	consumed, err := f.store.ConsumeLive(ctx, storage.CategoryInteraction, entity.Key)
	if err != nil {
		if errors.Is(err, storage.ErrEntityConsumed) || errors.Is(err, storage.ErrEntityNotFound) {
			return nil, ErrInvalidRequest("unknown or expired interaction")
		}
		return nil, fmt.Errorf("storage failure during interaction consume: %w", err)
	}

	return &Interaction{
		Key:     consumed.Key,
		UID:     consumed.UID,
		GrantID: consumed.GrantID,
	}, nil
}
