package bunstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/grantstore/internal/testutil"
	"github.com/giantswarm/grantstore/security"
	"github.com/giantswarm/grantstore/storage"
)

func newTestStore(t *testing.T) (*Store, *testutil.Clock) {
	t.Helper()

	store, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	// Concurrent consumers in tests need a single shared connection.
	store.DB().SetMaxOpenConns(1)

	if err := store.CreateSchema(context.Background()); err != nil {
		t.Fatalf("CreateSchema failed: %v", err)
	}

	clock := testutil.NewClock()
	store.SetClock(clock.Now)
	return store, clock
}

func TestUpsertAndFind(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	entity := testutil.NewCodeEntity("code-1", "account-1", "client-1", "grant-1", "https://client.example/cb", "challenge")
	if err := store.Upsert(ctx, entity, 10*time.Minute); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Find(ctx, storage.CategoryAuthorizationCode, "code-1")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if got.AccountID != "account-1" || got.ClientID != "client-1" || got.GrantID != "grant-1" {
		t.Errorf("unexpected entity fields: %+v", got)
	}
	if !got.ExpiresAt.Equal(clock.Now().Add(10 * time.Minute)) {
		t.Errorf("expected expiry 10m from now, got %v", got.ExpiresAt)
	}

	var payload storage.CodePayload
	if err := storage.UnmarshalPayload(got.Payload, &payload); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if payload.CodeChallenge != "challenge" {
		t.Errorf("expected challenge round-trip, got %q", payload.CodeChallenge)
	}
}

func TestFindMissing(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Find(context.Background(), storage.CategoryAccessToken, "missing"); !errors.Is(err, storage.ErrEntityNotFound) {
		t.Errorf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestKeysAreScopedByCategory(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	code := testutil.NewTokenEntity(storage.CategoryAuthorizationCode, "shared-key", "a1", "c1", "g1")
	token := testutil.NewTokenEntity(storage.CategoryAccessToken, "shared-key", "a2", "c2", "g2")
	if err := store.Upsert(ctx, code, time.Hour); err != nil {
		t.Fatalf("Upsert code failed: %v", err)
	}
	if err := store.Upsert(ctx, token, time.Hour); err != nil {
		t.Fatalf("Upsert token failed: %v", err)
	}

	if _, err := store.ConsumeLive(ctx, storage.CategoryAuthorizationCode, "shared-key"); err != nil {
		t.Fatalf("ConsumeLive failed: %v", err)
	}
	if _, err := store.Find(ctx, storage.CategoryAccessToken, "shared-key"); err != nil {
		t.Errorf("consuming the code affected the access token: %v", err)
	}
}

func TestUpsertOverwritePreservesConsumption(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	entity := testutil.NewGrantEntity("grant-1", "account-1", "client-1", "session-1", []string{"openid"})
	if err := store.Upsert(ctx, entity, time.Hour); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if _, err := store.ConsumeLive(ctx, storage.CategoryGrant, "grant-1"); err != nil {
		t.Fatalf("ConsumeLive failed: %v", err)
	}

	// A later upsert must not resurrect a consumed entity.
	if err := store.Upsert(ctx, entity.Clone(), time.Hour); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	if _, err := store.Find(ctx, storage.CategoryGrant, "grant-1"); !errors.Is(err, storage.ErrEntityNotFound) {
		t.Errorf("consumed grant became visible again after upsert: %v", err)
	}
}

func TestExpiredEntityReadsAsNotFound(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	entity := testutil.NewCodeEntity("code-1", "account-1", "client-1", "grant-1", "https://client.example/cb", "challenge")
	if err := store.Upsert(ctx, entity, 10*time.Minute); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	clock.Advance(10*time.Minute + security.DefaultClockSkewGracePeriod + time.Second)

	if _, err := store.Find(ctx, storage.CategoryAuthorizationCode, "code-1"); !errors.Is(err, storage.ErrEntityNotFound) {
		t.Errorf("expected ErrEntityNotFound for expired entity, got %v", err)
	}
	if _, err := store.ConsumeLive(ctx, storage.CategoryAuthorizationCode, "code-1"); !errors.Is(err, storage.ErrEntityNotFound) {
		t.Errorf("expected ErrEntityNotFound consuming expired entity, got %v", err)
	}
}

func TestConsumeLiveIsOneShot(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	entity := testutil.NewCodeEntity("code-1", "account-1", "client-1", "grant-1", "https://client.example/cb", "challenge")
	if err := store.Upsert(ctx, entity, 10*time.Minute); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.ConsumeLive(ctx, storage.CategoryAuthorizationCode, "code-1")
	if err != nil {
		t.Fatalf("first ConsumeLive failed: %v", err)
	}
	if got.Consumed() {
		t.Error("winner should receive the pre-consumption state")
	}

	if _, err := store.ConsumeLive(ctx, storage.CategoryAuthorizationCode, "code-1"); !errors.Is(err, storage.ErrEntityConsumed) {
		t.Errorf("expected ErrEntityConsumed on second consume, got %v", err)
	}
	if _, err := store.Find(ctx, storage.CategoryAuthorizationCode, "code-1"); !errors.Is(err, storage.ErrEntityNotFound) {
		t.Errorf("expected ErrEntityNotFound after consumption, got %v", err)
	}
}

func TestConcurrentConsumeLiveSingleWinner(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	entity := testutil.NewCodeEntity("code-race", "account-1", "client-1", "grant-1", "https://client.example/cb", "challenge")
	if err := store.Upsert(ctx, entity, 10*time.Minute); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	const goroutines = 10
	var wg sync.WaitGroup
	var winners, consumed int
	var mu sync.Mutex

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			_, err := store.ConsumeLive(ctx, storage.CategoryAuthorizationCode, "code-race")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, storage.ErrEntityConsumed):
				consumed++
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners)
	}
	if consumed != goroutines-1 {
		t.Errorf("expected %d losers, got %d", goroutines-1, consumed)
	}
}

func TestConsumeIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	entity := testutil.NewTokenEntity(storage.CategoryRefreshToken, "rt-1", "account-1", "client-1", "grant-1")
	if err := store.Upsert(ctx, entity, time.Hour); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := store.Consume(ctx, storage.CategoryRefreshToken, "rt-1"); err != nil {
			t.Fatalf("Consume attempt %d failed: %v", i, err)
		}
	}
	if err := store.Consume(ctx, storage.CategoryRefreshToken, "never-existed"); err != nil {
		t.Errorf("Consume of missing entity should succeed, got %v", err)
	}
}

func TestSecondaryIndexes(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	device := testutil.NewTokenEntity(storage.CategoryDeviceCode, "dc-1", "", "client-1", "")
	device.UserCode = "WDJB-MJHT"
	if err := store.Upsert(ctx, device, 10*time.Minute); err != nil {
		t.Fatalf("Upsert device code failed: %v", err)
	}

	interaction := testutil.NewTokenEntity(storage.CategoryInteraction, "int-1", "", "client-1", "")
	interaction.UID = "uid-abc"
	if err := store.Upsert(ctx, interaction, 10*time.Minute); err != nil {
		t.Fatalf("Upsert interaction failed: %v", err)
	}

	got, err := store.FindByUserCode(ctx, "WDJB-MJHT")
	if err != nil {
		t.Fatalf("FindByUserCode failed: %v", err)
	}
	if got.Key != "dc-1" {
		t.Errorf("FindByUserCode returned wrong entity: %q", got.Key)
	}

	got, err = store.FindByUID(ctx, "uid-abc")
	if err != nil {
		t.Fatalf("FindByUID failed: %v", err)
	}
	if got.Key != "int-1" {
		t.Errorf("FindByUID returned wrong entity: %q", got.Key)
	}

	if _, err := store.ConsumeLive(ctx, storage.CategoryDeviceCode, "dc-1"); err != nil {
		t.Fatalf("ConsumeLive failed: %v", err)
	}
	if _, err := store.FindByUserCode(ctx, "WDJB-MJHT"); !errors.Is(err, storage.ErrEntityNotFound) {
		t.Errorf("expected ErrEntityNotFound via user code after consumption, got %v", err)
	}
}

func TestDestroy(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	entity := testutil.NewTokenEntity(storage.CategoryDeviceCode, "dc-1", "", "client-1", "")
	if err := store.Upsert(ctx, entity, 10*time.Minute); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := store.Destroy(ctx, storage.CategoryDeviceCode, "dc-1"); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, err := store.Find(ctx, storage.CategoryDeviceCode, "dc-1"); !errors.Is(err, storage.ErrEntityNotFound) {
		t.Errorf("expected ErrEntityNotFound after destroy, got %v", err)
	}
	if err := store.Destroy(ctx, storage.CategoryDeviceCode, "dc-1"); err != nil {
		t.Errorf("second Destroy should succeed, got %v", err)
	}
}

func TestRevokeByGrantID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, e := range []*storage.StoredEntity{
		testutil.NewGrantEntity("grant-1", "account-1", "client-1", "session-1", []string{"openid"}),
		testutil.NewTokenEntity(storage.CategoryAccessToken, "at-1", "account-1", "client-1", "grant-1"),
		testutil.NewTokenEntity(storage.CategoryRefreshToken, "rt-1", "account-1", "client-1", "grant-1"),
		testutil.NewTokenEntity(storage.CategoryAccessToken, "at-other", "account-2", "client-1", "grant-other"),
	} {
		if err := store.Upsert(ctx, e, time.Hour); err != nil {
			t.Fatalf("Upsert %s failed: %v", e.Key, err)
		}
	}

	revoked, err := store.RevokeByGrantID(ctx, "grant-1")
	if err != nil {
		t.Fatalf("RevokeByGrantID failed: %v", err)
	}
	if revoked != 3 {
		t.Errorf("expected 3 entities revoked, got %d", revoked)
	}

	if _, err := store.Find(ctx, storage.CategoryRefreshToken, "rt-1"); !errors.Is(err, storage.ErrEntityNotFound) {
		t.Errorf("token survived revocation: %v", err)
	}
	if _, err := store.Find(ctx, storage.CategoryAccessToken, "at-other"); err != nil {
		t.Errorf("unrelated entity was revoked: %v", err)
	}

	revoked, err = store.RevokeByGrantID(ctx, "grant-1")
	if err != nil {
		t.Fatalf("second RevokeByGrantID failed: %v", err)
	}
	if revoked != 0 {
		t.Errorf("expected 0 on repeat revocation, got %d", revoked)
	}
}

func TestRevokeByGrantIDCoversGracePeriod(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	token := testutil.NewTokenEntity(storage.CategoryAccessToken, "at-1", "account-1", "client-1", "grant-1")
	if err := store.Upsert(ctx, token, time.Minute); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Just past expiry but within the grace period: Find still returns the
	// token, so revocation must reach it too.
	clock.Advance(time.Minute + 2*time.Second)
	if _, err := store.Find(ctx, storage.CategoryAccessToken, "at-1"); err != nil {
		t.Fatalf("token should still be readable within grace: %v", err)
	}

	revoked, err := store.RevokeByGrantID(ctx, "grant-1")
	if err != nil {
		t.Fatalf("RevokeByGrantID failed: %v", err)
	}
	if revoked != 1 {
		t.Errorf("expected 1 entity revoked within grace window, got %d", revoked)
	}
	if _, err := store.Find(ctx, storage.CategoryAccessToken, "at-1"); !errors.Is(err, storage.ErrEntityNotFound) {
		t.Errorf("token survived revocation: %v", err)
	}
}

func TestPruneExpired(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	shortLived := testutil.NewCodeEntity("code-short", "a", "c", "g", "https://client.example/cb", "ch")
	longLived := testutil.NewGrantEntity("grant-long", "a", "c", "s", []string{"openid"})
	if err := store.Upsert(ctx, shortLived, time.Minute); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := store.Upsert(ctx, longLived, time.Hour); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	clock.Advance(2 * time.Minute)

	pruned, err := store.PruneExpired(ctx, clock.Now())
	if err != nil {
		t.Fatalf("PruneExpired failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected exactly 1 entity pruned, got %d", pruned)
	}
	if _, err := store.Find(ctx, storage.CategoryGrant, "grant-long"); err != nil {
		t.Errorf("long-lived grant was pruned: %v", err)
	}
}

func TestPayloadEncryptionAtRest(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	key, err := security.GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("GenerateEncryptionKey failed: %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	store.SetEncryptor(enc)

	entity := testutil.NewCodeEntity("code-enc", "account-1", "client-1", "grant-1", "https://client.example/cb", "secret-challenge")
	if err := store.Upsert(ctx, entity, 10*time.Minute); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Find(ctx, storage.CategoryAuthorizationCode, "code-enc")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	var payload storage.CodePayload
	if err := storage.UnmarshalPayload(got.Payload, &payload); err != nil {
		t.Fatalf("payload did not round-trip through encryption: %v", err)
	}
	if payload.CodeChallenge != "secret-challenge" {
		t.Errorf("expected decrypted challenge, got %q", payload.CodeChallenge)
	}
}
