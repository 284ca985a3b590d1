package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the grant core
type Metrics struct {
	// Flow Metrics
	CodeExchanged        metric.Int64Counter
	ExchangeFailed       metric.Int64Counter
	TokensIssued         metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	GrantsRevoked        metric.Int64Counter
	RequestsPushed       metric.Int64Counter
	DeviceFlowsCompleted metric.Int64Counter

	// Security Metrics
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	EntitiesPruned           metric.Int64Counter
	StorageEntitiesCount     metric.Int64ObservableGauge
	StorageGrantsCount       metric.Int64ObservableGauge
	StorageConsumedCount     metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	flowMeter := inst.Meter("flow")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error

	m.CodeExchanged, err = flowMeter.Int64Counter(
		"grantstore.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.ExchangeFailed, err = flowMeter.Int64Counter(
		"grantstore.exchange.failed",
		metric.WithDescription("Number of code exchanges rejected with invalid_grant"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange.failed counter: %w", err)
	}

	m.TokensIssued, err = flowMeter.Int64Counter(
		"grantstore.tokens.issued",
		metric.WithDescription("Number of tokens issued (access, refresh, ID)"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued counter: %w", err)
	}

	m.TokenRefreshed, err = flowMeter.Int64Counter(
		"grantstore.token.refreshed",
		metric.WithDescription("Number of refresh-token rotations"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.GrantsRevoked, err = flowMeter.Int64Counter(
		"grantstore.grants.revoked",
		metric.WithDescription("Number of cascading grant revocations"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.revoked counter: %w", err)
	}

	m.RequestsPushed, err = flowMeter.Int64Counter(
		"grantstore.par.accepted",
		metric.WithDescription("Number of pushed authorization requests accepted"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create par.accepted counter: %w", err)
	}

	m.DeviceFlowsCompleted, err = flowMeter.Int64Counter(
		"grantstore.device.completed",
		metric.WithDescription("Number of device authorization flows resolved"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device.completed counter: %w", err)
	}

	m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"grantstore.pkce.validation.failed",
		metric.WithDescription("Number of failed PKCE validations"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation.failed counter: %w", err)
	}

	m.CodeReuseDetected, err = securityMeter.Int64Counter(
		"grantstore.code.reuse.detected",
		metric.WithDescription("Number of authorization code reuse attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.reuse.detected counter: %w", err)
	}

	m.TokenReuseDetected, err = securityMeter.Int64Counter(
		"grantstore.token.reuse.detected",
		metric.WithDescription("Number of rotated refresh token reuse attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.reuse.detected counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"grantstore.storage.operations.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"grantstore.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.EntitiesPruned, err = storageMeter.Int64Counter(
		"grantstore.storage.entities.pruned",
		metric.WithDescription("Number of expired entities removed by prune sweeps"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.entities.pruned counter: %w", err)
	}

	m.StorageEntitiesCount, err = storageMeter.Int64ObservableGauge(
		"grantstore.storage.entities.count",
		metric.WithDescription("Current number of stored entities"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.entities.count gauge: %w", err)
	}

	m.StorageGrantsCount, err = storageMeter.Int64ObservableGauge(
		"grantstore.storage.grants.count",
		metric.WithDescription("Current number of stored grants"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.grants.count gauge: %w", err)
	}

	m.StorageConsumedCount, err = storageMeter.Int64ObservableGauge(
		"grantstore.storage.consumed.count",
		metric.WithDescription("Current number of consumed-but-unpruned entities"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.consumed.count gauge: %w", err)
	}

	return m, nil
}

// RecordCodeExchange records a successful authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string) {
	if m == nil || m.CodeExchanged == nil {
		return
	}
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordExchangeFailed records a rejected exchange with its internal reason class
func (m *Metrics) RecordExchangeFailed(ctx context.Context, clientID, reason string) {
	if m == nil || m.ExchangeFailed == nil {
		return
	}
	m.ExchangeFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("reason", reason),
	))
}

// RecordTokensIssued records issued tokens by kind
func (m *Metrics) RecordTokensIssued(ctx context.Context, clientID, kind string) {
	if m == nil || m.TokensIssued == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("kind", kind),
	))
}

// RecordTokenRefresh records a refresh-token rotation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	if m == nil || m.TokenRefreshed == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordGrantRevoked records a cascading revocation and how many entities it hit
func (m *Metrics) RecordGrantRevoked(ctx context.Context, entitiesRevoked int) {
	if m == nil || m.GrantsRevoked == nil {
		return
	}
	m.GrantsRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("entities_revoked", entitiesRevoked),
	))
}

// RecordRequestPushed records an accepted pushed authorization request
func (m *Metrics) RecordRequestPushed(ctx context.Context, clientID string) {
	if m == nil || m.RequestsPushed == nil {
		return
	}
	m.RequestsPushed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordDeviceFlowCompleted records a resolved device flow
func (m *Metrics) RecordDeviceFlowCompleted(ctx context.Context, clientID string, approved bool) {
	if m == nil || m.DeviceFlowsCompleted == nil {
		return
	}
	m.DeviceFlowsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("approved", approved),
	))
}

// RecordPKCEValidationFailed records a failed PKCE validation
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, clientID string) {
	if m == nil || m.PKCEValidationFailed == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeReuseDetected records an authorization code replay attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	if m == nil || m.CodeReuseDetected == nil {
		return
	}
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records reuse of a rotated refresh token
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	if m == nil || m.TokenReuseDetected == nil {
		return
	}
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation with count and duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil || m.StorageOperationTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	if m.StorageOperationDuration != nil {
		m.StorageOperationDuration.Record(ctx, durationMs, attrs)
	}
}

// RecordEntitiesPruned records the outcome of a prune sweep
func (m *Metrics) RecordEntitiesPruned(ctx context.Context, count int) {
	if m == nil || m.EntitiesPruned == nil || count <= 0 {
		return
	}
	m.EntitiesPruned.Add(ctx, int64(count))
}
