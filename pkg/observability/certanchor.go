package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys used across the service.
var (
	AttrOperation     = attribute.Key("certanchor.operation")
	AttrCertificateID = attribute.Key("certanchor.certificate_id")
	AttrFromState     = attribute.Key("certanchor.state.from")
	AttrToState       = attribute.Key("certanchor.state.to")
	AttrVerdict       = attribute.Key("certanchor.verdict")
	AttrLedgerOp      = attribute.Key("certanchor.ledger.op")
	AttrOutcome       = attribute.Key("certanchor.outcome")
)

// RecordTransition counts an anchor record state change.
func (p *Provider) RecordTransition(ctx context.Context, from, to string) {
	if p == nil {
		return
	}
	p.transitions.Add(ctx, 1, metric.WithAttributes(AttrFromState.String(from), AttrToState.String(to)))
}

// RecordVerdict counts a verification outcome.
func (p *Provider) RecordVerdict(ctx context.Context, verdict string) {
	if p == nil {
		return
	}
	p.verdicts.Add(ctx, 1, metric.WithAttributes(AttrVerdict.String(verdict)))
}

// RecordLedgerCall records the latency of a ledger round trip.
func (p *Provider) RecordLedgerCall(ctx context.Context, op string, elapsed time.Duration, err error) {
	if p == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.ledgerDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(AttrLedgerOp.String(op), AttrOutcome.String(outcome)))
}
