// core/put.go – Put Engine (C5, §4.5): concurrent upload pipeline with
// payment attachment, retries, and post-put verification.
package core

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

const (
	PutQuorum       = 3
	VerifyQuorum    = 2
	PutTimeout      = 15 * time.Second
	MaxInflightPuts = 16
)

// PutState is a put item's position in the §4.5 state machine.
type PutState int

const (
	StatePending PutState = iota
	StateQuoting
	StatePaying
	StateUploading
	StateVerifying
	StateDone
	StateFailed
)

func (s PutState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateQuoting:
		return "quoting"
	case StatePaying:
		return "paying"
	case StateUploading:
		return "uploading"
	case StateVerifying:
		return "verifying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PutItem tracks one record through the put pipeline.
type PutItem struct {
	Record Record
	State  PutState
	Err    error

	Winners []Quote
	Receipt Receipt
}

// PutMode selects the payment scheme for a batch.
type PutMode int

const (
	ModeStandard PutMode = iota
	ModeMerkle
)

// PutOptions configures one put call (§6.4 config keys map onto these).
type PutOptions struct {
	Mode              PutMode
	SingleNodePayment bool
	NoVerify          bool
	RetryFailed       int
	GasPolicy         GasBidPolicy
	MaxInflight       int
}

// Payer is the abstract payment capability consumed by the Put Engine; a
// real implementation submits EVM transactions, tests use an in-memory fake.
type Payer interface {
	PayStandard(ctx context.Context, chunkAddr Address, winners []Quote, gas GasBidPolicy) (ReceiptStandard, error)
	PayMerkle(ctx context.Context, commitments []PoolCommitment, depth int, gas GasBidPolicy) (ReceiptMerkle, error)
}

// Clock abstracts wall-clock time so retry/backoff is testable (§5
// explicit-dependency pattern for clock/executor/transport/wallet).
type Clock interface {
	Now() time.Time
}

// Broadcaster is the pubsub capability a PutEngine can use to gossip newly
// stored addresses beyond their upload winners, letting other peers learn
// about content without querying the DHT directly. *Node satisfies it via
// network.go's Broadcast.
type Broadcaster interface {
	Broadcast(topic string, data []byte) error
}

// putAnnounceTopic is the gossip topic a PutEngine publishes to once an item
// clears its upload quorum.
const putAnnounceTopic = "autonomi/put-announce"

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// PutEngine drives items through Pending -> ... -> Done|Failed.
type PutEngine struct {
	Overlay    Overlay
	QuoteCache *QuoteCache
	Payer      Payer
	Clock      Clock
	Log        *OpLog
	Gossip     Broadcaster

	sem chan struct{}
}

// NewPutEngine constructs an engine with backpressure bounded by
// MAX_INFLIGHT_PUTS, or by maxInflight when it is positive.
// PutOptions.MaxInflight is not consulted.
func NewPutEngine(overlay Overlay, cache *QuoteCache, payer Payer, maxInflight int) *PutEngine {
	if maxInflight <= 0 {
		maxInflight = MaxInflightPuts
	}
	clk := Clock(realClock{})
	return &PutEngine{Overlay: overlay, QuoteCache: cache, Payer: payer, Clock: clk, sem: make(chan struct{}, maxInflight)}
}

// WithOpLog attaches an operation log that records each item's terminal
// put/payment decision; a nil log (the default) disables logging.
func (e *PutEngine) WithOpLog(log *OpLog) *PutEngine {
	e.Log = log
	return e
}

// WithGossip attaches a pubsub broadcaster used to announce addresses that
// clear upload quorum; a nil broadcaster (the default) disables gossip.
func (e *PutEngine) WithGossip(b Broadcaster) *PutEngine {
	e.Gossip = b
	return e
}

// Put runs items through the full pipeline and returns a BatchResult;
// per-item failures are collected rather than short-circuiting the batch
// (§7 "Propagation").
func (e *PutEngine) Put(ctx context.Context, records []Record, opts PutOptions) BatchResult {
	items := make([]*PutItem, len(records))
	for i, r := range records {
		items[i] = &PutItem{Record: r, State: StatePending}
	}

	retries := opts.RetryFailed
	for attempt := 0; ; attempt++ {
		pending := make([]*PutItem, 0, len(items))
		for _, it := range items {
			if it.State != StateDone {
				pending = append(pending, it)
			}
		}
		if len(pending) == 0 {
			break
		}
		e.runRound(ctx, pending, opts)
		if attempt >= retries {
			break
		}
		anyRetriable := false
		for _, it := range pending {
			if it.State == StateFailed && isRetriable(it.Err) {
				it.State = StatePending
				anyRetriable = true
			}
		}
		if !anyRetriable {
			break
		}
		backoffSleep(ctx, attempt)
	}

	var res BatchResult
	for _, it := range items {
		if it.State == StateDone {
			res.Successes = append(res.Successes, it.Record.Address)
			e.logPutDecision(it.Record.Address, "put_done", nil)
		} else {
			res.Failures = append(res.Failures, ItemResult{Address: it.Record.Address, Err: it.Err})
			e.logPutDecision(it.Record.Address, "put_failed", it.Err)
		}
	}
	return res
}

// logPutDecision records the terminal state of one put item; a no-op if
// Log is unset.
func (e *PutEngine) logPutDecision(addr Address, event string, cause error) {
	if e.Log == nil {
		return
	}
	meta := map[string]string{"address": addr.String()}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	_ = e.Log.Log(event, meta)
}

func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	return !isFatal(err, &fatal)
}

func isFatal(err error, target **FatalError) bool {
	fe, ok := err.(*FatalError)
	if ok {
		*target = fe
		return true
	}
	return false
}

// backoffSleep waits according to the §4.5 policy: 2s, 4s, 8s capped at
// 60s, with jitter, implemented via cenkalti/backoff.
func backoffSleep(ctx context.Context, attempt int) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 60 * time.Second
	b.RandomizationFactor = 0.2

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	select {
	case <-time.After(d + jitter):
	case <-ctx.Done():
	}
}

func (e *PutEngine) runRound(ctx context.Context, items []*PutItem, opts PutOptions) {
	e.quotingStage(ctx, items)

	var paying []*PutItem
	for _, it := range items {
		if it.State == StateQuoting {
			paying = append(paying, it)
		}
	}
	if len(paying) == 0 {
		return
	}
	if e.Payer == nil {
		for _, it := range paying {
			it.State = StateFailed
			it.Err = &FatalError{Msg: "no payer configured"}
		}
		return
	}

	switch opts.Mode {
	case ModeMerkle:
		e.payingStageMerkle(ctx, paying, opts)
	default:
		e.payingStageStandard(ctx, paying, opts)
	}

	var uploading []*PutItem
	for _, it := range items {
		if it.State == StatePaying {
			uploading = append(uploading, it)
		}
	}
	if len(uploading) == 0 {
		return
	}
	e.uploadingStage(ctx, uploading)

	if opts.NoVerify {
		for _, it := range items {
			if it.State == StateUploading {
				it.State = StateDone
			}
		}
		return
	}
	var verifying []*PutItem
	for _, it := range items {
		if it.State == StateUploading {
			verifying = append(verifying, it)
		}
	}
	e.verifyingStage(ctx, verifying)
}

func (e *PutEngine) quotingStage(ctx context.Context, items []*PutItem) {
	g, gctx := errgroup.WithContext(ctx)
	for _, it := range items {
		it := it
		it.State = StateQuoting
		g.Go(func() error {
			req := QuoteRequest{Kind: it.Record.Kind, Size: uint64(len(it.Record.Payload)), Existing: false}
			quotes, err := QuotesForAddress(gctx, e.Overlay, e.QuoteCache, it.Record.Address, req)
			if err != nil || len(quotes) < QuoteNRequired {
				it.State = StateFailed
				it.Err = ErrNoQuote
				return nil
			}
			nPay := QuoteNPay
			if len(quotes) < nPay {
				nPay = len(quotes)
			}
			winners, err := SelectStandardWinners(quotes, nPay)
			if err != nil {
				it.State = StateFailed
				it.Err = err
				return nil
			}
			it.Winners = winners
			return nil
		})
	}
	_ = g.Wait()
}

func (e *PutEngine) payingStageStandard(ctx context.Context, items []*PutItem, opts PutOptions) {
	for _, it := range items {
		it.State = StatePaying
		winners := it.Winners
		if opts.SingleNodePayment && len(winners) > 0 {
			w := winners[0]
			w.Price = mulFrac(w.Price, 3, 1)
			winners = []Quote{w}
		}
		receipt, err := e.Payer.PayStandard(ctx, it.Record.Address, winners, opts.GasPolicy)
		if err != nil {
			it.State = StateFailed
			it.Err = err
			continue
		}
		it.Receipt = Receipt{Standard: &receipt}
	}
}

func (e *PutEngine) payingStageMerkle(ctx context.Context, items []*PutItem, opts PutOptions) {
	addrs := make([]Address, len(items))
	for i, it := range items {
		addrs[i] = it.Record.Address
	}
	_, depth, err := BuildMerkleTree(addrs)
	if err != nil {
		for _, it := range items {
			it.State = StateFailed
			it.Err = err
		}
		return
	}
	numPools := PoolCommitmentsForDepth(depth)
	commitments := make([]PoolCommitment, numPools)
	for i := range commitments {
		commitments[i] = PoolCommitment{PoolID: uint64(i)}
	}
	receipt, err := e.Payer.PayMerkle(ctx, commitments, depth, opts.GasPolicy)
	if err != nil {
		for _, it := range items {
			it.State = StateFailed
			it.Err = err
		}
		return
	}
	for _, it := range items {
		it.State = StatePaying
		r := receipt
		it.Receipt = Receipt{Merkle: &r}
	}
}

func (e *PutEngine) uploadingStage(ctx context.Context, items []*PutItem) {
	g, gctx := errgroup.WithContext(ctx)
	for _, it := range items {
		it := it
		g.Go(func() error {
			e.sem <- struct{}{}
			defer func() { <-e.sem }()

			uctx, cancel := context.WithTimeout(gctx, PutTimeout)
			defer cancel()

			winners := it.Winners
			if len(winners) == 0 {
				it.State = StateFailed
				it.Err = ErrPutQuorumFailed
				return nil
			}
			var acks int
			var mu sync.Mutex
			var wg sync.WaitGroup
			for _, w := range winners {
				w := w
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := e.Overlay.PutRecord(uctx, w.HolderID, it.Record, it.Receipt); err == nil {
						mu.Lock()
						acks++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if acks >= PutQuorum || acks >= len(winners) {
				it.State = StateUploading
				if e.Gossip != nil {
					addr := it.Record.Address
					_ = e.Gossip.Broadcast(putAnnounceTopic, addr[:])
				}
			} else {
				it.State = StateFailed
				it.Err = ErrPutQuorumFailed
			}
			return nil
		})
	}
	_ = g.Wait()
}

// verifyingStage confirms the upload by re-reading the record directly from
// the winning holders rather than through Get's address-wide fan-out: Get
// resolves against GetFanout peers and always returns at most one Record on
// success, so comparing its result count to VerifyQuorum can never pass.
// Here "verified" means at least VerifyQuorum of the actual payees still
// hold an identical copy.
func (e *PutEngine) verifyingStage(ctx context.Context, items []*PutItem) {
	for _, it := range items {
		it.State = StateVerifying
		if e.countMatchingWinners(ctx, it) < VerifyQuorum {
			it.State = StateFailed
			it.Err = ErrGetQuorumFailed
			continue
		}
		it.State = StateDone
	}
}

func (e *PutEngine) countMatchingWinners(ctx context.Context, it *PutItem) int {
	if len(it.Winners) == 0 {
		return 0
	}
	var mu sync.Mutex
	var matches int
	var wg sync.WaitGroup
	for _, w := range it.Winners {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, ok, err := e.Overlay.GetRecord(ctx, w.HolderID, it.Record.Address)
			if err != nil || !ok {
				return
			}
			if !bytes.Equal(EncodeRecord(rec), EncodeRecord(it.Record)) {
				return
			}
			mu.Lock()
			matches++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return matches
}
