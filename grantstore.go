// Package grantstore is an embeddable OAuth 2.1 / OIDC grant core: durable
// storage and verification of authorization codes, tokens, grants, sessions,
// device codes, and pushed authorization requests. It owns no HTTP surface;
// callers wire its operations into their own endpoints.
package grantstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/grantstore/flow"
	"github.com/giantswarm/grantstore/instrumentation"
	"github.com/giantswarm/grantstore/security"
	"github.com/giantswarm/grantstore/storage"
	"github.com/giantswarm/grantstore/storage/bunstore"
	"github.com/giantswarm/grantstore/storage/memory"
	"github.com/giantswarm/grantstore/storage/valkey"
)

// Storage backend selectors.
const (
	BackendMemory   = "memory"
	BackendValkey   = "valkey"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Re-exported flow types so embedders only import this package.
type (
	Client           = flow.Client
	ClientDirectory  = flow.ClientDirectory
	Account          = flow.Account
	AccountDirectory = flow.AccountDirectory
	ConsentPolicy    = flow.ConsentPolicy
	Grant            = flow.Grant
	TokenSet         = flow.TokenSet
	OAuthError       = flow.OAuthError
)

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is one of memory, valkey, sqlite, postgres. Default: memory.
	Backend string

	// Valkey configures the valkey backend.
	Valkey valkey.Config

	// DSN is the connection string for the sqlite and postgres backends.
	DSN string

	// EncryptionKey enables AES-256-GCM payload encryption at rest when set.
	// Must be exactly 32 bytes.
	EncryptionKey []byte

	// CleanupInterval is how often the memory backend prunes expired
	// entities. Default: 1 minute.
	CleanupInterval time.Duration
}

// Config holds the full grant core configuration.
type Config struct {
	// Storage selects the persistence backend.
	Storage StorageConfig

	// Flow configures verification and issuance behavior.
	Flow flow.Config

	// Instrumentation enables OpenTelemetry metrics and tracing.
	Instrumentation instrumentation.Config

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// Core bundles a storage backend with the flow engine.
type Core struct {
	store  storage.Adapter
	flow   *flow.Flow
	inst   *instrumentation.Instrumentation
	logger *slog.Logger

	closers []func() error
}

// New builds a Core from the configuration. The caller supplies the client
// and account directories; everything else is wired here.
func New(cfg Config, clients ClientDirectory, accounts AccountDirectory, opts ...flow.Option) (*Core, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	core := &Core{logger: logger}

	if cfg.Instrumentation.Enabled {
		inst, err := instrumentation.New(cfg.Instrumentation)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
		}
		core.inst = inst
		core.closers = append(core.closers, func() error {
			return inst.Shutdown(context.Background())
		})
	}

	var encryptor *security.Encryptor
	if len(cfg.Storage.EncryptionKey) > 0 {
		enc, err := security.NewEncryptor(cfg.Storage.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		encryptor = enc
	}

	store, err := core.buildStore(cfg.Storage, encryptor, logger)
	if err != nil {
		return nil, err
	}
	core.store = store

	flowCfg := cfg.Flow
	if flowCfg.Logger == nil {
		flowCfg.Logger = logger
	}
	flowOpts := append([]flow.Option{flow.WithConfig(flowCfg)}, opts...)
	if core.inst != nil {
		flowOpts = append(flowOpts, flow.WithInstrumentation(core.inst))
	}

	engine, err := flow.New(store, clients, accounts, flowOpts...)
	if err != nil {
		core.Close()
		return nil, err
	}
	core.flow = engine
	core.closers = append(core.closers, func() error {
		engine.Stop()
		return nil
	})

	return core, nil
}

func (c *Core) buildStore(cfg StorageConfig, encryptor *security.Encryptor, logger *slog.Logger) (storage.Adapter, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		interval := cfg.CleanupInterval
		if interval <= 0 {
			interval = time.Minute
		}
		store := memory.NewWithInterval(interval)
		store.SetLogger(logger)
		if encryptor != nil {
			store.SetEncryptor(encryptor)
		}
		if c.inst != nil {
			store.SetInstrumentation(c.inst)
		}
		c.closers = append(c.closers, func() error {
			store.Stop()
			return nil
		})
		return store, nil

	case BackendValkey:
		vcfg := cfg.Valkey
		if vcfg.Logger == nil {
			vcfg.Logger = logger
		}
		store, err := valkey.New(vcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		if encryptor != nil {
			store.SetEncryptor(encryptor)
		}
		c.closers = append(c.closers, func() error {
			store.Close()
			return nil
		})
		return store, nil

	case BackendSQLite, BackendPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("%s backend requires a DSN", cfg.Backend)
		}
		var store *bunstore.Store
		var err error
		if cfg.Backend == BackendSQLite {
			store, err = bunstore.NewSQLite(cfg.DSN)
		} else {
			store, err = bunstore.NewPostgres(cfg.DSN)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", cfg.Backend, err)
		}
		store.SetLogger(logger)
		if encryptor != nil {
			store.SetEncryptor(encryptor)
		}
		if err := store.CreateSchema(context.Background()); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
		c.closers = append(c.closers, store.Close)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Flow returns the verification and issuance engine.
func (c *Core) Flow() *flow.Flow {
	return c.flow
}

// Store returns the underlying entity store, for maintenance operations like
// PruneExpired.
func (c *Core) Store() storage.Adapter {
	return c.store
}

// PruneExpired removes entities whose lifetime has fully elapsed. Run it
// periodically on backends without native expiry (sqlite, postgres).
func (c *Core) PruneExpired(ctx context.Context) (int, error) {
	return c.store.PruneExpired(ctx, time.Now())
}

// Close releases every resource the core owns, in reverse creation order.
func (c *Core) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.closers = nil
	return firstErr
}
