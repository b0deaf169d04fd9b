// Package resolver maps an offer's on-chain account address to the offer's
// natural key (seller, offer id).
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/fairswap/service/db"
	"github.com/brojonat/fairswap/service/decoder"
	"github.com/brojonat/fairswap/service/metrics"
	"github.com/brojonat/fairswap/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// ErrUnresolved is returned when no source knows the offer behind an address.
var ErrUnresolved = errors.New("offer account unresolved")

// OfferKey is the natural key of an offer.
type OfferKey struct {
	Seller  solanago.PublicKey `json:"seller"`
	OfferID uint64             `json:"offer_id"`
}

// Cache is a lookaside cache of resolved offer keys.
type Cache interface {
	Get(ctx context.Context, account solanago.PublicKey) (OfferKey, bool, error)
	Set(ctx context.Context, account solanago.PublicKey, key OfferKey) error
}

// OfferStore is the projection lookup used before asking the chain.
type OfferStore interface {
	GetOfferByAccount(ctx context.Context, account string) (*db.Offer, error)
}

// AccountFetcher reads raw account data from the chain.
type AccountFetcher interface {
	FetchAccount(ctx context.Context, address solanago.PublicKey) (*solana.AccountInfo, error)
}

// Resolver resolves offer accounts from the cache, then the projection, then
// the live account on chain. Successful lookups are written back to the cache.
type Resolver struct {
	store     OfferStore
	chain     AccountFetcher
	decoder   *decoder.Decoder
	programID solanago.PublicKey
	cache     Cache
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a Resolver. cache and m may be nil.
func New(
	store OfferStore,
	chain AccountFetcher,
	dec *decoder.Decoder,
	programID solanago.PublicKey,
	cache Cache,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Resolver {
	return &Resolver{
		store:     store,
		chain:     chain,
		decoder:   dec,
		programID: programID,
		cache:     cache,
		metrics:   m,
		logger:    logger,
	}
}

// ResolveOffer returns the natural key of the offer stored at account.
// It returns an error wrapping ErrUnresolved if the offer is unknown to the
// projection and the account is closed or not an offer. Any other error is a
// transient read failure.
func (r *Resolver) ResolveOffer(ctx context.Context, account solanago.PublicKey) (OfferKey, error) {
	if r.cache != nil {
		key, ok, err := r.cache.Get(ctx, account)
		switch {
		case err != nil:
			// A broken cache degrades to the slower sources.
			r.logger.WarnContext(ctx, "offer cache read failed", "account", account.String(), "error", err)
			r.record("cache", "error")
		case ok:
			r.record("cache", "hit")
			return key, nil
		default:
			r.record("cache", "miss")
		}
	}

	offer, err := r.store.GetOfferByAccount(ctx, account.String())
	switch {
	case err == nil:
		seller, perr := solanago.PublicKeyFromBase58(offer.Seller)
		if perr != nil {
			return OfferKey{}, fmt.Errorf("stored offer %d has invalid seller %q: %w", offer.ID, offer.Seller, perr)
		}
		r.record("store", "hit")
		key := OfferKey{Seller: seller, OfferID: offer.OfferID}
		r.remember(ctx, account, key)
		return key, nil
	case errors.Is(err, db.ErrNotFound):
		r.record("store", "miss")
	default:
		r.record("store", "error")
		return OfferKey{}, fmt.Errorf("failed to look up offer account %s: %w", account, err)
	}

	info, err := r.chain.FetchAccount(ctx, account)
	if errors.Is(err, solana.ErrAccountNotFound) {
		r.record("chain", "miss")
		return OfferKey{}, fmt.Errorf("%w: %s is closed", ErrUnresolved, account)
	}
	if err != nil {
		r.record("chain", "error")
		return OfferKey{}, fmt.Errorf("failed to fetch offer account %s: %w", account, err)
	}
	if !info.Owner.Equals(r.programID) {
		r.record("chain", "miss")
		return OfferKey{}, fmt.Errorf("%w: %s is owned by %s", ErrUnresolved, account, info.Owner)
	}
	state, err := r.decoder.DecodeOfferAccount(info.Data)
	if err != nil {
		r.record("chain", "miss")
		return OfferKey{}, fmt.Errorf("%w: %s: %v", ErrUnresolved, account, err)
	}

	r.record("chain", "hit")
	key := OfferKey{Seller: state.Seller, OfferID: state.OfferID}
	r.remember(ctx, account, key)
	return key, nil
}

// Remember primes the cache with a known mapping, typically when an offer is
// created.
func (r *Resolver) Remember(ctx context.Context, account solanago.PublicKey, key OfferKey) {
	r.remember(ctx, account, key)
}

func (r *Resolver) remember(ctx context.Context, account solanago.PublicKey, key OfferKey) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, account, key); err != nil {
		r.logger.WarnContext(ctx, "offer cache write failed", "account", account.String(), "error", err)
	}
}

func (r *Resolver) record(source, status string) {
	if r.metrics != nil {
		r.metrics.RecordResolution(source, status)
	}
}
