// Package events carries projection changes to downstream sinks.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brojonat/fairswap/service/db"
	"github.com/brojonat/fairswap/service/metrics"
)

// Type names a projection change as "<entity>.<action>".
type Type string

const (
	OfferCreated      Type = "offer.created"
	OfferCancelled    Type = "offer.cancelled"
	OfferCompleted    Type = "offer.completed"
	ProposalSubmitted Type = "proposal.submitted"
	ProposalAccepted  Type = "proposal.accepted"
	ProposalWithdrawn Type = "proposal.withdrawn"
	SwapExecuted      Type = "swap.executed"
)

// Types lists every event type.
var Types = []Type{
	OfferCreated, OfferCancelled, OfferCompleted,
	ProposalSubmitted, ProposalAccepted, ProposalWithdrawn,
	SwapExecuted,
}

// Event is one applied change to the projection, with the row as it looks
// after the change and the instruction that caused it.
type Event struct {
	Type             Type      `json:"type"`
	Signature        string    `json:"signature"`
	InstructionIndex int       `json:"instruction_index"`
	Slot             uint64    `json:"slot"`
	BlockTime        time.Time `json:"block_time"`

	Offer    *db.Offer    `json:"offer,omitempty"`
	Proposal *db.Proposal `json:"proposal,omitempty"`
	Swap     *db.Swap     `json:"swap,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// Sink receives projection events.
type Sink interface {
	// Name labels the sink in logs and metrics.
	Name() string
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// BatchSink is a Sink that takes all events of one instruction in a single
// call. PublishBatch keeps going past a failed event and reports every failure.
type BatchSink interface {
	Sink
	PublishBatch(ctx context.Context, evs []*Event) error
}

// Fanout delivers events to every sink. Delivery is best-effort: a failing
// sink is logged and the remaining sinks still receive the event.
type Fanout struct {
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewFanout creates a Fanout. m may be nil.
func NewFanout(sinks []Sink, m *metrics.Metrics, logger *slog.Logger) *Fanout {
	return &Fanout{sinks: sinks, metrics: m, logger: logger}
}

// Publish stamps and delivers the events to each sink, in one call for a
// BatchSink and one call per event otherwise.
func (f *Fanout) Publish(ctx context.Context, evs []*Event) {
	if f == nil || len(f.sinks) == 0 || len(evs) == 0 {
		return
	}
	now := time.Now().UTC()
	for _, ev := range evs {
		ev.PublishedAt = now
	}
	for _, sink := range f.sinks {
		if bs, ok := sink.(BatchSink); ok {
			start := time.Now()
			err := bs.PublishBatch(ctx, evs)
			f.record(ctx, sink, evs[0], len(evs), start, err)
			continue
		}
		for _, ev := range evs {
			start := time.Now()
			err := sink.Publish(ctx, ev)
			f.record(ctx, sink, ev, 1, start, err)
		}
	}
}

func (f *Fanout) record(ctx context.Context, sink Sink, ev *Event, count int, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		f.logger.ErrorContext(ctx, "failed to publish event",
			"sink", sink.Name(),
			"type", ev.Type,
			"signature", ev.Signature,
			"count", count,
			"error", err,
		)
	}
	if f.metrics != nil {
		f.metrics.RecordEventPublish(sink.Name(), status, time.Since(start).Seconds())
	}
}

// Close closes every sink.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
