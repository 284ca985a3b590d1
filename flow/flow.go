// Package flow implements the verification and issuance logic of the grant
// core on top of the entity store: authorization-code exchange with PKCE,
// refresh-token rotation with reuse detection, grant lifecycle, device
// authorization, pushed authorization requests, and claims resolution.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/grantstore/instrumentation"
	"github.com/giantswarm/grantstore/security"
	"github.com/giantswarm/grantstore/storage"
)

// Directory sentinel errors.
var (
	// ErrClientNotFound indicates no client is registered under the id.
	ErrClientNotFound = errors.New("client not found")

	// ErrAccountNotFound indicates no account exists for the id.
	ErrAccountNotFound = errors.New("account not found")
)

// Client type values.
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Client describes a registered relying party.
type Client struct {
	ClientID string

	// ClientType is "public" or "confidential". Confidential clients must
	// authenticate with their secret at the token endpoint.
	ClientType string

	// SecretHash is the bcrypt hash of the client secret (confidential only).
	SecretHash string

	// RedirectURIs is the registered allow-list. Exchange-time comparison
	// is byte-for-byte against these values.
	RedirectURIs []string

	// Scopes the client may request, empty meaning no restriction.
	Scopes []string

	Name string
}

// ClientDirectory resolves client ids to registered clients. Implementations
// return ErrClientNotFound (optionally wrapped) for unknown ids.
type ClientDirectory interface {
	FindClient(ctx context.Context, clientID string) (*Client, error)
}

// Account is the authenticated subject as the claims resolver sees it.
type Account struct {
	ID                  string
	Name                string
	Email               string
	EmailVerified       bool
	PhoneNumber         string
	PhoneNumberVerified bool

	// Roles maps client id to the roles the account holds for that client.
	// The claims resolver only ever exposes the requesting client's slice,
	// so one client cannot observe roles granted for another.
	Roles map[string][]string
}

// AccountDirectory resolves account ids. Implementations return
// ErrAccountNotFound (optionally wrapped) for unknown ids.
type AccountDirectory interface {
	FindAccount(ctx context.Context, accountID string) (*Account, error)
}

// ConsentPolicy decides whether an authorization request needs fresh end-user
// consent given what the account already granted this client.
type ConsentPolicy interface {
	ConsentRequired(ctx context.Context, account *Account, client *Client, scopes []string, existing *Grant) bool
}

// TTLConfig carries per-category lifetime overrides. Zero values fall back
// to the storage defaults.
type TTLConfig struct {
	AuthorizationCode time.Duration
	AccessToken       time.Duration
	RefreshToken      time.Duration
	IDToken           time.Duration
	Grant             time.Duration
	Session           time.Duration
	DeviceCode        time.Duration
	PushedRequest     time.Duration
	Interaction       time.Duration
}

// Config holds flow configuration.
type Config struct {
	// Logger is the structured logger (default: slog.Default())
	Logger *slog.Logger

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool

	// SecurityEventRate / SecurityEventBurst bound audit log volume per
	// client so replay floods cannot drown the log.
	SecurityEventRate  int
	SecurityEventBurst int

	// TTL overrides per artifact category.
	TTL TTLConfig

	// DevicePollInterval is the minimum device-flow polling interval
	// reported to clients.
	DevicePollInterval time.Duration
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Logger:             slog.Default(),
		AuditEnabled:       true,
		SecurityEventRate:  10,
		SecurityEventBurst: 20,
		DevicePollInterval: 5 * time.Second,
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"authorization code": c.TTL.AuthorizationCode,
		"access token":       c.TTL.AccessToken,
		"refresh token":      c.TTL.RefreshToken,
		"id token":           c.TTL.IDToken,
		"grant":              c.TTL.Grant,
		"session":            c.TTL.Session,
		"device code":        c.TTL.DeviceCode,
		"pushed request":     c.TTL.PushedRequest,
		"interaction":        c.TTL.Interaction,
	} {
		if d < 0 {
			return fmt.Errorf("%s TTL cannot be negative", name)
		}
	}
	if c.SecurityEventRate < 0 || c.SecurityEventBurst < 0 {
		return fmt.Errorf("security event rate limits cannot be negative")
	}
	if c.DevicePollInterval < 0 {
		return fmt.Errorf("device poll interval cannot be negative")
	}
	return nil
}

// Flow is the verification and issuance engine. It owns no storage of its
// own; everything durable lives in the entity store.
type Flow struct {
	store    storage.Adapter
	clients  ClientDirectory
	accounts AccountDirectory
	consent  ConsentPolicy

	auditor *security.Auditor
	limiter *security.EventRateLimiter
	metrics *instrumentation.Metrics

	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

// Option customizes a Flow.
type Option func(*Flow)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(f *Flow) { f.cfg = cfg }
}

// WithConsentPolicy replaces the default consent policy.
func WithConsentPolicy(p ConsentPolicy) Option {
	return func(f *Flow) {
		if p != nil {
			f.consent = p
		}
	}
}

// WithInstrumentation attaches OpenTelemetry metrics.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(f *Flow) {
		if inst != nil {
			f.metrics = inst.Metrics()
		}
	}
}

// WithClock injects the authoritative clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) {
		if now != nil {
			f.now = now
		}
	}
}

// New creates a Flow over the given store and directories.
func New(store storage.Adapter, clients ClientDirectory, accounts AccountDirectory, opts ...Option) (*Flow, error) {
	if store == nil {
		return nil, fmt.Errorf("storage adapter is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("client directory is required")
	}
	if accounts == nil {
		return nil, fmt.Errorf("account directory is required")
	}

	f := &Flow{
		store:    store,
		clients:  clients,
		accounts: accounts,
		consent:  DefaultConsentPolicy{},
		cfg:      DefaultConfig(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}

	if err := f.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow configuration: %w", err)
	}

	f.logger = f.cfg.Logger
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.cfg.DevicePollInterval == 0 {
		f.cfg.DevicePollInterval = 5 * time.Second
	}

	f.auditor = security.NewAuditor(f.logger, f.cfg.AuditEnabled)
	if f.cfg.SecurityEventRate > 0 {
		f.limiter = security.NewEventRateLimiter(f.cfg.SecurityEventRate, f.cfg.SecurityEventBurst, f.logger)
	}

	return f, nil
}

// Stop releases background resources (the security event rate limiter).
func (f *Flow) Stop() {
	if f.limiter != nil {
		f.limiter.Stop()
	}
}

// ttlFor resolves the effective TTL for a category.
func (f *Flow) ttlFor(category storage.Category) time.Duration {
	var override time.Duration
	switch category {
	case storage.CategoryAuthorizationCode:
		override = f.cfg.TTL.AuthorizationCode
	case storage.CategoryAccessToken:
		override = f.cfg.TTL.AccessToken
	case storage.CategoryRefreshToken:
		override = f.cfg.TTL.RefreshToken
	case storage.CategoryIDToken:
		override = f.cfg.TTL.IDToken
	case storage.CategoryGrant:
		override = f.cfg.TTL.Grant
	case storage.CategorySession:
		override = f.cfg.TTL.Session
	case storage.CategoryDeviceCode:
		override = f.cfg.TTL.DeviceCode
	case storage.CategoryPushedAuthorizationRequest:
		override = f.cfg.TTL.PushedRequest
	case storage.CategoryInteraction:
		override = f.cfg.TTL.Interaction
	}
	if override > 0 {
		return override
	}
	return storage.DefaultTTL(category)
}

// newArtifactKey draws a high-entropy opaque key for codes and tokens: 43
// characters of base64url-encoded randomness from a CSPRNG.
func newArtifactKey() string {
	return oauth2.GenerateVerifier()
}

// auditAllowed applies the per-identifier security event rate limit.
func (f *Flow) auditAllowed(identifier string) bool {
	if f.limiter == nil {
		return true
	}
	return f.limiter.Allow(identifier)
}

// rejectExchange records a failed verification and returns the one generic
// invalid_grant error every failure class shares.
func (f *Flow) rejectExchange(ctx context.Context, accountID, clientID, reason string) *OAuthError {
	if f.auditAllowed(clientID) {
		f.auditor.LogExchangeFailure(accountID, clientID, reason)
	}
	f.metrics.RecordExchangeFailed(ctx, clientID, reason)
	return ErrInvalidGrant()
}

// StaticConsentPolicy always answers the same way. Useful in tests and for
// first-party-only deployments that never prompt.
type StaticConsentPolicy bool

// ConsentRequired implements ConsentPolicy.
func (p StaticConsentPolicy) ConsentRequired(context.Context, *Account, *Client, []string, *Grant) bool {
	return bool(p)
}

// DefaultConsentPolicy requires consent unless an existing active grant for
// the same client already covers every requested scope.
type DefaultConsentPolicy struct{}

// ConsentRequired implements ConsentPolicy.
func (DefaultConsentPolicy) ConsentRequired(_ context.Context, _ *Account, _ *Client, scopes []string, existing *Grant) bool {
	if existing == nil || existing.State != storage.GrantStateGranted {
		return true
	}
	covered := make(map[string]struct{}, len(existing.Scopes))
	for _, s := range existing.Scopes {
		covered[s] = struct{}{}
	}
	for _, s := range scopes {
		if _, ok := covered[s]; !ok {
			return true
		}
	}
	return false
}
