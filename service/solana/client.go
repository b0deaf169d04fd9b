package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/brojonat/fairswap/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

var (
	// ErrTransactionNotFound is returned when the node has no body for a signature.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrMalformedTransaction is returned when a transaction body cannot be
	// resolved into instructions.
	ErrMalformedTransaction = errors.New("malformed transaction")

	// ErrAccountNotFound is returned for closed or never-created accounts.
	ErrAccountNotFound = errors.New("account not found")
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)

	GetAccountInfo(
		ctx context.Context,
		account solana.PublicKey,
		opts *rpc.GetAccountInfoOpts,
	) (*rpc.GetAccountInfoResult, error)

	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// Options tunes the client's resilience behavior. Zero values take defaults.
type Options struct {
	// Timeout bounds each individual RPC attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryBackoff is the base delay, doubled on each retry.
	RetryBackoff time.Duration
	// RequestsPerSecond limits outgoing calls; 0 disables limiting.
	RequestsPerSecond float64
	// MaxScan caps how many signatures one ListSignaturesSince call walks
	// back through history.
	MaxScan int
	// BreakerFailures is the consecutive failure count that opens the breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.MaxScan <= 0 {
		o.MaxScan = 10000
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	return o
}

// Client is the read-only chain reader for one program.
// Every call runs at "confirmed" commitment.
type Client struct {
	rpc      RPCClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)
	opts     Options
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	sleep    func(ctx context.Context, d time.Duration) error
}

// Commitment is the commitment level used for every read.
const Commitment = rpc.CommitmentConfirmed

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, opts Options, m *metrics.Metrics, logger *slog.Logger) *Client {
	opts = opts.withDefaults()
	c := &Client{
		rpc:      rpcClient,
		logger:   logger,
		metrics:  m,
		endpoint: endpoint,
		opts:     opts,
		sleep:    sleepContext,
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "solana-rpc:" + endpoint,
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rpc circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if m != nil {
				m.RecordCircuitState(endpoint, to == gobreaker.StateOpen)
			}
		},
	})
	return c
}

// ListSignaturesSince returns signatures of successful and failed
// transactions touching program with slot > afterSlot, oldest first.
//
// History is paged newest-first until afterSlot is reached or MaxScan
// signatures have been walked. The result is then cut to at most limit
// entries from the oldest end, never splitting a slot, so a checkpoint set
// to the batch's highest slot cannot skip unseen signatures of that slot.
func (c *Client) ListSignaturesSince(
	ctx context.Context,
	program solana.PublicKey,
	afterSlot uint64,
	limit int,
) ([]SignatureInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	pageSize := min(limit, 1000)

	var newestFirst []SignatureInfo
	var before solana.Signature
	reached := false
	for !reached && len(newestFirst) < c.opts.MaxScan {
		opts := &rpc.GetSignaturesForAddressOpts{
			Limit:      &pageSize,
			Commitment: Commitment,
		}
		if before != (solana.Signature{}) {
			opts.Before = before
		}

		c.logger.DebugContext(ctx, "calling GetSignaturesForAddress",
			"program", program.String(),
			"limit", pageSize,
			"before", before.String(),
			"after_slot", afterSlot,
		)

		var page []*rpc.TransactionSignature
		err := c.call(ctx, "GetSignaturesForAddress", func(ctx context.Context) error {
			var err error
			page, err = c.rpc.GetSignaturesForAddress(ctx, program, opts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list signatures for %s: %w", program, err)
		}
		if c.metrics != nil {
			c.metrics.RecordRPCSignaturesPerCall(c.endpoint, float64(len(page)))
		}

		for _, sig := range page {
			if sig.Slot <= afterSlot {
				reached = true
				break
			}
			newestFirst = append(newestFirst, signatureToDomain(sig))
		}
		if len(page) < pageSize {
			reached = true
		}
		if len(page) > 0 {
			before = page[len(page)-1].Signature
		}
	}

	if !reached {
		c.logger.WarnContext(ctx, "signature scan limit reached before checkpoint, older history will be skipped",
			"program", program.String(),
			"after_slot", afterSlot,
			"scanned", len(newestFirst),
			"oldest_slot", newestFirst[len(newestFirst)-1].Slot,
		)
	}

	oldestFirst := make([]SignatureInfo, len(newestFirst))
	for i, sig := range newestFirst {
		oldestFirst[len(newestFirst)-1-i] = sig
	}
	// The node orders within a slot newest-first; reversing keeps execution
	// order. Stable sort guards against pages that straddle reorgs.
	slices.SortStableFunc(oldestFirst, func(a, b SignatureInfo) int {
		switch {
		case a.Slot < b.Slot:
			return -1
		case a.Slot > b.Slot:
			return 1
		}
		return 0
	})

	batch := truncateAtSlotBoundary(oldestFirst, limit)
	c.logger.DebugContext(ctx, "listed program signatures",
		"program", program.String(),
		"after_slot", afterSlot,
		"found", len(oldestFirst),
		"batch", len(batch),
	)
	return batch, nil
}

// truncateAtSlotBoundary keeps at most limit oldest entries, backing off to
// the previous slot boundary when the cut would split a slot. A single slot
// larger than limit is returned whole.
func truncateAtSlotBoundary(sigs []SignatureInfo, limit int) []SignatureInfo {
	if len(sigs) <= limit {
		return sigs
	}
	cut := limit
	boundary := sigs[cut].Slot
	for cut > 0 && sigs[cut-1].Slot == boundary {
		cut--
	}
	if cut == 0 {
		cut = limit
		for cut < len(sigs) && sigs[cut].Slot == boundary {
			cut++
		}
	}
	return sigs[:cut]
}

// CurrentSlot returns the chain height at confirmed commitment.
func (c *Client) CurrentSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := c.call(ctx, "GetSlot", func(ctx context.Context) error {
		var err error
		slot, err = c.rpc.GetSlot(ctx, Commitment)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get slot: %w", err)
	}
	return slot, nil
}

// FetchTransaction fetches a confirmed transaction, supporting versioned
// (v0) messages. Returns ErrTransactionNotFound if the node has no body.
func (c *Client) FetchTransaction(ctx context.Context, signature solana.Signature) (*Transaction, error) {
	version := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     Commitment,
		MaxSupportedTransactionVersion: &version,
	}

	var result *rpc.GetTransactionResult
	err := c.call(ctx, "GetTransaction", func(ctx context.Context) error {
		var err error
		result, err = c.rpc.GetTransaction(ctx, signature, opts)
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && result == nil) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, signature)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", signature, err)
	}

	return parseTransactionFromResult(signature, result)
}

// FetchAccount reads an account's raw data. Returns ErrAccountNotFound for
// closed accounts.
func (c *Client) FetchAccount(ctx context.Context, address solana.PublicKey) (*AccountInfo, error) {
	opts := &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: Commitment,
	}

	var result *rpc.GetAccountInfoResult
	err := c.call(ctx, "GetAccountInfo", func(ctx context.Context) error {
		var err error
		result, err = c.rpc.GetAccountInfo(ctx, address, opts)
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && (result == nil || result.Value == nil)) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", address, err)
	}

	info := &AccountInfo{
		Address:  address,
		Owner:    result.Value.Owner,
		Lamports: result.Value.Lamports,
	}
	if result.Value.Data != nil {
		info.Data = result.Value.Data.GetBinary()
	}
	return info, nil
}

// call runs fn under the rate limiter, the circuit breaker and a per-attempt
// timeout, retrying transient failures with exponential backoff.
func (c *Client) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			reason, backoff := c.backoff(err, attempt)
			c.logger.WarnContext(ctx, "rpc call failed, retrying",
				"method", method,
				"attempt", attempt,
				"reason", reason,
				"backoff_seconds", backoff.Seconds(),
				"error", err,
			)
			if c.metrics != nil {
				c.metrics.RecordRPCRetry(method, reason)
			}
			if serr := c.sleep(ctx, backoff); serr != nil {
				return serr
			}
		}

		err = c.attempt(ctx, method, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return err
}

func (c *Client) attempt(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	// Not-found answers are healthy responses and must not trip the breaker.
	var notFound error
	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		err := fn(callCtx)
		if errors.Is(err, rpc.ErrNotFound) {
			notFound = err
			return nil, nil
		}
		return nil, err
	})
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case notFound != nil:
		status = "not_found"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		status = "circuit_open"
	case err != nil:
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordRPCCall(method, status, c.endpoint, duration)
		if isRateLimited(err) {
			c.metrics.RecordRateLimitHit(c.endpoint)
		}
	}

	if notFound != nil {
		return notFound
	}
	return err
}

func (c *Client) backoff(err error, attempt int) (string, time.Duration) {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if isRateLimited(err) {
		return "rate_limit", backoff * 4
	}
	return "timeout_or_error", backoff
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "too many requests")
}

// isRetryable reports whether err is a transient failure worth retrying.
func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, rpc.ErrNotFound):
		return false
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		// invalid request / method / params will not succeed on retry
		switch rpcErr.Code {
		case -32600, -32601, -32602:
			return false
		}
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
