package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/brojonat/fairswap/service/db"
	"github.com/brojonat/fairswap/service/decoder"
	"github.com/brojonat/fairswap/service/metrics"
	"github.com/brojonat/fairswap/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// Chain is the chain reader used by the Poller.
type Chain interface {
	CurrentSlot(ctx context.Context) (uint64, error)
	ListSignaturesSince(ctx context.Context, program solanago.PublicKey, afterSlot uint64, limit int) ([]solana.SignatureInfo, error)
	FetchTransaction(ctx context.Context, signature solanago.Signature) (*solana.Transaction, error)
}

// Checkpoints persists the last processed slot.
type Checkpoints interface {
	GetLastProcessedSlot(ctx context.Context, key string) (uint64, error)
	SetLastProcessedSlot(ctx context.Context, key string, slot uint64) error
}

// InstructionDecoder decodes raw program instructions.
type InstructionDecoder interface {
	Decode(data []byte, accounts []solanago.PublicKey) (decoder.Instruction, error)
}

// InstructionProcessor applies decoded instructions.
type InstructionProcessor interface {
	Process(ctx context.Context, ix decoder.Instruction, prov db.Provenance) (Outcome, error)
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	// IndexerID keys the checkpoint row.
	IndexerID    string
	ProgramID    solanago.PublicKey
	PollInterval time.Duration
	BatchLimit   int
	// MaxFetchAttempts bounds how many ticks retry a transaction whose body
	// is missing or unparseable before it is skipped.
	MaxFetchAttempts int
}

// TickResult summarizes one tick.
type TickResult struct {
	Signatures   int
	Processed    int
	Failed       int
	Errored      int
	Unavailable  int
	Instructions int
	Checkpoint   uint64
	Interrupted  bool
}

// Poller drives the indexer: each tick reads new program signatures since the
// checkpoint, applies them oldest first and advances the checkpoint.
type Poller struct {
	cfg         PollerConfig
	chain       Chain
	checkpoints Checkpoints
	decoder     InstructionDecoder
	processor   InstructionProcessor
	metrics     *metrics.Metrics
	logger      *slog.Logger

	// fetchAttempts counts ticks that could not fetch a transaction body.
	// Only Tick touches it.
	fetchAttempts map[solanago.Signature]int

	lastSuccess atomic.Int64 // unix nanos of the last successful tick
	checkpoint  atomic.Uint64
}

// NewPoller creates a Poller. m may be nil.
func NewPoller(
	cfg PollerConfig,
	chain Chain,
	checkpoints Checkpoints,
	dec InstructionDecoder,
	proc InstructionProcessor,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.MaxFetchAttempts <= 0 {
		cfg.MaxFetchAttempts = 3
	}
	return &Poller{
		cfg:           cfg,
		chain:         chain,
		checkpoints:   checkpoints,
		decoder:       dec,
		processor:     proc,
		metrics:       m,
		logger:        logger,
		fetchAttempts: make(map[solanago.Signature]int),
	}
}

// Run ticks until ctx is cancelled. Tick errors are logged and the next tick
// retries from the persisted checkpoint.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "poller started",
		"indexer", p.cfg.IndexerID,
		"program", p.cfg.ProgramID.String(),
		"poll_interval", p.cfg.PollInterval.String(),
		"batch_limit", p.cfg.BatchLimit,
		"max_fetch_attempts", p.cfg.MaxFetchAttempts,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped", "checkpoint", p.checkpoint.Load())
			return nil
		case <-timer.C:
		}

		res, err := p.Tick(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.ErrorContext(ctx, "tick failed", "error", err)
		} else if res.Signatures > 0 {
			p.logger.InfoContext(ctx, "tick complete",
				"signatures", res.Signatures,
				"processed", res.Processed,
				"failed", res.Failed,
				"errored", res.Errored,
				"unavailable", res.Unavailable,
				"instructions", res.Instructions,
				"checkpoint", res.Checkpoint,
			)
		}
		timer.Reset(p.cfg.PollInterval)
	}
}

// Tick runs one poll cycle. A chain read error aborts the tick before the
// checkpoint is written. A transaction whose body stays missing or malformed
// for MaxFetchAttempts ticks is skipped like a failed one. A store error while
// applying a transaction abandons the rest of that transaction and the tick
// moves on.
func (p *Poller) Tick(ctx context.Context) (res TickResult, err error) {
	start := time.Now()
	defer func() {
		status := "success"
		switch {
		case err != nil:
			status = "error"
		case res.Signatures == 0:
			status = "idle"
		}
		if p.metrics != nil {
			p.metrics.RecordTick(status, time.Since(start).Seconds())
		}
		if err == nil {
			p.lastSuccess.Store(time.Now().UnixNano())
		}
	}()

	checkpoint, err := p.checkpoints.GetLastProcessedSlot(ctx, p.cfg.IndexerID)
	if err != nil {
		return res, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	p.checkpoint.Store(checkpoint)
	res.Checkpoint = checkpoint

	// The chain height is read before listing so an empty listing proves no
	// program transaction exists at or below it.
	current, err := p.chain.CurrentSlot(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read current slot: %w", err)
	}
	if p.metrics != nil {
		p.metrics.RecordChainSlot(current)
	}

	sigs, err := p.chain.ListSignaturesSince(ctx, p.cfg.ProgramID, checkpoint, p.cfg.BatchLimit)
	if err != nil {
		return res, fmt.Errorf("failed to list signatures: %w", err)
	}
	res.Signatures = len(sigs)

	if len(sigs) == 0 {
		return res, p.advance(ctx, &res, checkpoint, current)
	}

	next := checkpoint
	for _, sig := range sigs {
		if ctx.Err() != nil {
			// Every slot below this signature's slot is fully applied, and
			// listed slots are always above the checkpoint.
			res.Interrupted = true
			next = min(next, sig.Slot-1)
			break
		}

		if sig.Failed() {
			res.Failed++
			p.recordTransaction("failed")
			next = max(next, sig.Slot)
			continue
		}

		tx, err := p.chain.FetchTransaction(ctx, sig.Signature)
		if err != nil {
			if !bodyUnavailable(err) {
				return res, fmt.Errorf("failed to fetch transaction %s: %w", sig.Signature, err)
			}
			attempts := p.fetchAttempts[sig.Signature] + 1
			if attempts < p.cfg.MaxFetchAttempts {
				p.fetchAttempts[sig.Signature] = attempts
				return res, fmt.Errorf("failed to fetch transaction %s (attempt %d of %d): %w",
					sig.Signature, attempts, p.cfg.MaxFetchAttempts, err)
			}
			delete(p.fetchAttempts, sig.Signature)
			p.logger.WarnContext(ctx, "skipping unavailable transaction",
				"signature", sig.Signature.String(),
				"slot", sig.Slot,
				"attempts", attempts,
				"error", err,
			)
			res.Unavailable++
			p.recordTransaction("unavailable")
			next = max(next, sig.Slot)
			continue
		}
		delete(p.fetchAttempts, sig.Signature)
		if tx.Failed() {
			res.Failed++
			p.recordTransaction("failed")
			next = max(next, sig.Slot)
			continue
		}

		// A transaction that has started is applied in full, even if shutdown
		// begins meanwhile.
		applied, err := p.applyTransaction(context.WithoutCancel(ctx), tx)
		res.Instructions += applied
		switch {
		case errors.Is(err, ErrTransient):
			return res, err
		case err != nil:
			res.Errored++
			p.recordTransaction("error")
			p.logger.ErrorContext(ctx, "failed to apply transaction",
				"signature", tx.Signature.String(),
				"slot", tx.Slot,
				"constraint_violation", db.IsUniqueViolation(err),
				"error", err,
			)
		default:
			res.Processed++
			p.recordTransaction("processed")
		}
		next = max(next, sig.Slot)
	}

	return res, p.advance(ctx, &res, checkpoint, next)
}

// bodyUnavailable reports whether err means the node has no usable body for
// a listed signature, as opposed to a transport failure.
func bodyUnavailable(err error) bool {
	return errors.Is(err, solana.ErrTransactionNotFound) || errors.Is(err, solana.ErrMalformedTransaction)
}

// applyTransaction decodes and dispatches each program instruction of tx in
// order. It stops at the first processing error.
func (p *Poller) applyTransaction(ctx context.Context, tx *solana.Transaction) (int, error) {
	count := 0
	for _, raw := range tx.ProgramInstructions(p.cfg.ProgramID) {
		ix, err := p.decoder.Decode(raw.Data, raw.Accounts)
		if err != nil {
			p.logger.WarnContext(ctx, "skipping undecodable instruction",
				"signature", tx.Signature.String(),
				"instruction_index", raw.Index,
				"error", err,
			)
			if p.metrics != nil {
				p.metrics.RecordInstruction("unknown", "undecodable")
			}
			continue
		}

		prov := db.Provenance{
			Signature:        tx.Signature.String(),
			InstructionIndex: raw.Index,
			Slot:             tx.Slot,
			BlockTime:        tx.BlockTime,
		}
		if _, err := p.processor.Process(ctx, ix, prov); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// advance persists slot if it is above the current checkpoint.
func (p *Poller) advance(ctx context.Context, res *TickResult, checkpoint, slot uint64) error {
	if slot <= checkpoint {
		return nil
	}
	// The tick's own work is done; finish the write even during shutdown.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.checkpoints.SetLastProcessedSlot(writeCtx, p.cfg.IndexerID, slot); err != nil {
		return fmt.Errorf("failed to advance checkpoint to %d: %w", slot, err)
	}
	p.checkpoint.Store(slot)
	res.Checkpoint = slot
	if p.metrics != nil {
		p.metrics.RecordCheckpoint(p.cfg.IndexerID, slot)
	}
	return nil
}

func (p *Poller) recordTransaction(status string) {
	if p.metrics != nil {
		p.metrics.RecordTransaction(status)
	}
}

// Checkpoint returns the last checkpoint read or written.
func (p *Poller) Checkpoint() uint64 {
	return p.checkpoint.Load()
}

// LastSuccess returns the completion time of the last successful tick, or
// the zero time if none has succeeded.
func (p *Poller) LastSuccess() time.Time {
	n := p.lastSuccess.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Healthy reports whether a tick has succeeded within maxAge.
func (p *Poller) Healthy(maxAge time.Duration) bool {
	last := p.LastSuccess()
	return !last.IsZero() && time.Since(last) <= maxAge
}
