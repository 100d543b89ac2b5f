package treasury

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const ledgerScopeName = "github.com/fox-one/treasury/ledger"

// instrumentedLedger wraps an AssetLedger with a span per call and the
// treasury.ledger.* metrics. Without an SDK installed the global providers
// are no-ops.
type instrumentedLedger struct {
	inner  AssetLedger
	tracer trace.Tracer
	ops    metric.Int64Counter
	errs   metric.Int64Counter
	dur    metric.Float64Histogram
}

func instrumentLedger(l AssetLedger) AssetLedger {
	if _, ok := l.(*instrumentedLedger); ok {
		return l
	}

	m := otel.Meter(ledgerScopeName)
	ops, _ := m.Int64Counter("treasury.ledger.operations",
		metric.WithDescription("Asset ledger calls"),
	)
	errs, _ := m.Int64Counter("treasury.ledger.errors",
		metric.WithDescription("Asset ledger calls that failed"),
	)
	dur, _ := m.Float64Histogram("treasury.ledger.duration",
		metric.WithDescription("Asset ledger call duration in milliseconds"),
		metric.WithUnit("ms"),
	)

	return &instrumentedLedger{
		inner:  l,
		tracer: otel.Tracer(ledgerScopeName),
		ops:    ops,
		errs:   errs,
		dur:    dur,
	}
}

func (l *instrumentedLedger) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("ledger.operation", name)}, attrs...)
	ctx, span := l.tracer.Start(ctx, "ledger."+name, trace.WithAttributes(all...))
	return ctx, span, time.Now()
}

func (l *instrumentedLedger) done(ctx context.Context, name string, span trace.Span, start time.Time, err error) {
	set := metric.WithAttributes(attribute.String("ledger.operation", name))
	l.ops.Add(ctx, 1, set)
	l.dur.Record(ctx, float64(time.Since(start).Microseconds())/1000, set)

	if err != nil {
		l.errs.Add(ctx, 1, set)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}

func (l *instrumentedLedger) Transfer(ctx context.Context, to string, amount decimal.Decimal, traceID string) error {
	ctx, span, start := l.op(ctx, "transfer",
		attribute.String("ledger.to", to),
		attribute.String("ledger.amount", amount.String()),
		attribute.String("ledger.trace_id", traceID),
	)

	err := l.inner.Transfer(ctx, to, amount, traceID)
	l.done(ctx, "transfer", span, start, err)
	return err
}

func (l *instrumentedLedger) TransferFrom(ctx context.Context, from, to string, amount decimal.Decimal, traceID string) error {
	ctx, span, start := l.op(ctx, "transfer_from",
		attribute.String("ledger.from", from),
		attribute.String("ledger.to", to),
		attribute.String("ledger.amount", amount.String()),
		attribute.String("ledger.trace_id", traceID),
	)

	err := l.inner.TransferFrom(ctx, from, to, amount, traceID)
	l.done(ctx, "transfer_from", span, start, err)
	return err
}

func (l *instrumentedLedger) BalanceOf(ctx context.Context, account string) (decimal.Decimal, error) {
	ctx, span, start := l.op(ctx, "balance_of", attribute.String("ledger.account", account))

	balance, err := l.inner.BalanceOf(ctx, account)
	l.done(ctx, "balance_of", span, start, err)
	return balance, err
}

// Blocked forwards to the wrapped ledger when it keeps a blocklist.
func (l *instrumentedLedger) Blocked(ctx context.Context, account string) (bool, error) {
	bl, ok := l.inner.(Blocklist)
	if !ok {
		return false, nil
	}

	ctx, span, start := l.op(ctx, "blocked", attribute.String("ledger.account", account))

	blocked, err := bl.Blocked(ctx, account)
	l.done(ctx, "blocked", span, start, err)
	return blocked, err
}
