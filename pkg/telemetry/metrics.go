package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal   = "autostock_orders_placed_total"
	MetricOrdersRejectedTotal = "autostock_orders_rejected_total"
	MetricOrdersFilledTotal   = "autostock_orders_filled_total"
	MetricFillsAppliedTotal   = "autostock_fills_applied_total"
	MetricFillsDroppedTotal   = "autostock_fills_dropped_total"
	MetricPnLRealizedTotal    = "autostock_pnl_realized_total"
	MetricSignalsTotal        = "autostock_signals_total"
	MetricOutboxPending       = "autostock_outbox_pending"
	MetricKillSwitchOn        = "autostock_kill_switch_on"
	MetricBrokerLatency       = "autostock_broker_latency_ms"
	MetricBarsSealedTotal     = "autostock_bars_sealed_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal   metric.Int64Counter
	OrdersRejectedTotal metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	FillsAppliedTotal   metric.Int64Counter
	FillsDroppedTotal   metric.Int64Counter
	PnLRealizedTotal    metric.Float64Counter
	SignalsTotal        metric.Int64Counter
	OutboxPending       metric.Int64ObservableGauge
	KillSwitchOn        metric.Int64ObservableGauge
	BrokerLatency       metric.Float64Histogram
	BarsSealedTotal     metric.Int64Counter

	mu            sync.RWMutex
	outboxPending int64
	killSwitchMap map[string]int64
	initialized   bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			killSwitchMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders submitted to the broker"))
	if err != nil {
		return err
	}
	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders rejected by risk or broker"))
	if err != nil {
		return err
	}
	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders fully filled"))
	if err != nil {
		return err
	}
	m.FillsAppliedTotal, err = meter.Int64Counter(MetricFillsAppliedTotal, metric.WithDescription("Total fills applied to positions"))
	if err != nil {
		return err
	}
	m.FillsDroppedTotal, err = meter.Int64Counter(MetricFillsDroppedTotal, metric.WithDescription("Total fills dropped as invalid or duplicate"))
	if err != nil {
		return err
	}
	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}
	m.SignalsTotal, err = meter.Int64Counter(MetricSignalsTotal, metric.WithDescription("Total signals emitted by strategies"))
	if err != nil {
		return err
	}
	m.BarsSealedTotal, err = meter.Int64Counter(MetricBarsSealedTotal, metric.WithDescription("Total bars sealed by the aggregator"))
	if err != nil {
		return err
	}
	m.BrokerLatency, err = meter.Float64Histogram(MetricBrokerLatency, metric.WithDescription("Broker call latency in milliseconds"))
	if err != nil {
		return err
	}

	m.OutboxPending, err = meter.Int64ObservableGauge(MetricOutboxPending,
		metric.WithDescription("Outbox events awaiting publication"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			o.Observe(m.outboxPending)
			return nil
		}))
	if err != nil {
		return err
	}

	m.KillSwitchOn, err = meter.Int64ObservableGauge(MetricKillSwitchOn,
		metric.WithDescription("Kill switch engaged (1) per scope"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for scope, v := range m.killSwitchMap {
				o.Observe(v, metric.WithAttributes(attribute.String("scope", scope)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

func (m *MetricsHolder) ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// AddOrderPlaced increments the placed counter
func (m *MetricsHolder) AddOrderPlaced(ctx context.Context, symbol string) {
	if !m.ready() {
		return
	}
	m.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// AddOrderRejected increments the rejected counter with the rejection code
func (m *MetricsHolder) AddOrderRejected(ctx context.Context, code string) {
	if !m.ready() {
		return
	}
	m.OrdersRejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// AddOrderFilled increments the filled counter
func (m *MetricsHolder) AddOrderFilled(ctx context.Context, symbol string) {
	if !m.ready() {
		return
	}
	m.OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// AddFillApplied increments the applied-fill counter
func (m *MetricsHolder) AddFillApplied(ctx context.Context, symbol string) {
	if !m.ready() {
		return
	}
	m.FillsAppliedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// AddFillDropped increments the dropped-fill counter with a reason
func (m *MetricsHolder) AddFillDropped(ctx context.Context, reason string) {
	if !m.ready() {
		return
	}
	m.FillsDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// AddRealizedPnL accumulates realized profit/loss
func (m *MetricsHolder) AddRealizedPnL(ctx context.Context, delta float64) {
	if !m.ready() {
		return
	}
	m.PnLRealizedTotal.Add(ctx, delta)
}

// AddSignal increments the signal counter
func (m *MetricsHolder) AddSignal(ctx context.Context, signalType string) {
	if !m.ready() {
		return
	}
	m.SignalsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", signalType)))
}

// AddBarSealed increments the sealed-bar counter
func (m *MetricsHolder) AddBarSealed(ctx context.Context, timeframe string) {
	if !m.ready() {
		return
	}
	m.BarsSealedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("timeframe", timeframe)))
}

// RecordBrokerLatency records a broker call duration
func (m *MetricsHolder) RecordBrokerLatency(ctx context.Context, op string, ms float64) {
	if !m.ready() {
		return
	}
	m.BrokerLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("op", op)))
}

// SetOutboxPending updates the pending-event gauge state
func (m *MetricsHolder) SetOutboxPending(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outboxPending = n
}

// SetKillSwitchOn updates the kill-switch gauge state for a scope
func (m *MetricsHolder) SetKillSwitchOn(scope string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.killSwitchMap[scope] = 1
	} else {
		m.killSwitchMap[scope] = 0
	}
}
