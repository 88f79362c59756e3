package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmerrifield20/sealkeeper/internal/blockchain"
	"github.com/jmerrifield20/sealkeeper/internal/seal/model"
	"github.com/jmerrifield20/sealkeeper/internal/seal/repository"
)

var (
	// ErrAlreadySealed is returned when create is called for a link whose
	// seal already reached the confirmation threshold.
	ErrAlreadySealed = errors.New("link is already sealed")

	// ErrNotFound is returned by point lookups that miss.
	ErrNotFound = fmt.Errorf("seal %w", repository.ErrNotFound)
)

// DefaultEventBuffer is the capacity of the outbound event queue.
const DefaultEventBuffer = 256

// sealStore is the persistence surface the engine needs.
// *repository.MemoryStore and *repository.PostgresStore satisfy it.
type sealStore interface {
	Insert(ctx context.Context, r *model.Record) error
	Get(ctx context.Context, link string, role model.Role) (*model.Record, error)
	ListByPermalink(ctx context.Context, permalink string) ([]*model.Record, error)
	ListUnsealed(ctx context.Context) ([]*model.Record, error)
	ListUnconfirmed(ctx context.Context, threshold int64) ([]*model.Record, error)
	ListFailedWrites(ctx context.Context, before time.Time) ([]*model.Record, error)
	ListFailedReads(ctx context.Context, before time.Time) ([]*model.Record, error)
	ListLongUnconfirmed(ctx context.Context, before time.Time, threshold int64) ([]*model.Record, error)
	Update(ctx context.Context, r *model.Record) error
	MarkFailedReads(ctx context.Context, records []*model.Record) (int, error)
	RequeueFailedWrites(ctx context.Context, records []*model.Record) (int, error)
}

// MetricsRecorder receives engine outcomes. Any method may be a no-op.
type MetricsRecorder interface {
	Broadcast(success bool)
	Read(success bool)
	Event(typ model.EventType, dropped bool)
}

// Options tunes an Engine.
type Options struct {
	// EventBuffer is the event queue capacity; 0 means DefaultEventBuffer.
	EventBuffer int
}

// Engine persists seal records and drives them through the ledger.
// It owns no goroutines; callers schedule SealPending, SyncUnconfirmed and
// HandleFailures.
type Engine struct {
	store   sealStore
	chain   *blockchain.Blockchain
	keys    *blockchain.Keyring
	events  chan model.Event
	metrics MetricsRecorder // nil = no metrics
	logger  *zap.Logger

	now func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(store sealStore, chain *blockchain.Blockchain, keys *blockchain.Keyring, logger *zap.Logger, opts Options) *Engine {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if keys == nil {
		keys = blockchain.NewKeyring()
	}
	return &Engine{
		store:  store,
		chain:  chain,
		keys:   keys,
		events: make(chan model.Event, opts.EventBuffer),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetMetricsRecorder configures the metrics sink.
func (e *Engine) SetMetricsRecorder(m MetricsRecorder) {
	e.metrics = m
}

// SetClock replaces the time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Events returns the outbound queue of wroteseal/readseal events.
func (e *Engine) Events() <-chan model.Event {
	return e.events
}

// Blockchain returns the facade the engine seals through.
func (e *Engine) Blockchain() *blockchain.Blockchain {
	return e.chain
}

// Threshold is the confirmation depth at which records become final.
func (e *Engine) Threshold() int64 {
	return e.chain.Confirmations()
}

// ── Create / watch ──────────────────────────────────────────────────────────

// Create queues link for sealing with the local key req.KeyFingerprint.
// Re-creating a pending or in-flight record returns it unchanged.
func (e *Engine) Create(ctx context.Context, req model.CreateRequest) (*model.Record, error) {
	key, ok := e.keys.Get(req.KeyFingerprint)
	if !ok {
		return nil, fmt.Errorf("%w: unknown signing key %q", blockchain.ErrInvalidInput, req.KeyFingerprint)
	}
	link, permalink, prevLink, err := normalizeLinks(req.Link, req.Permalink, req.PrevLink)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.Get(ctx, link, model.RoleWrite)
	switch {
	case err == nil:
		if existing.Confirmed(e.Threshold()) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadySealed, link)
		}
		return e.withState(existing), nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("get seal: %w", err)
	}

	r := &model.Record{
		Link:           link,
		Role:           model.RoleWrite,
		Permalink:      permalink,
		PrevLink:       prevLink,
		BasePubKey:     key.PubKey(),
		KeyFingerprint: key.Fingerprint(),
		Unsealed:       true,
		DateCreated:    e.now(),
	}
	if err := e.deriveAddresses(r); err != nil {
		return nil, err
	}

	if err := e.store.Insert(ctx, r); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// lost a race with a concurrent create
			return e.getRole(ctx, link, model.RoleWrite)
		}
		return nil, fmt.Errorf("insert seal: %w", err)
	}

	e.logger.Info("seal queued",
		zap.String("link", link),
		zap.String("address", r.Address),
		zap.String("key", r.KeyFingerprint),
	)
	return e.withState(r), nil
}

// Watch starts observing the address a counterparty holding req.BasePubKey
// will seal link to. Watching a failed read resets it.
func (e *Engine) Watch(ctx context.Context, req model.WatchRequest) (*model.Record, error) {
	base, err := blockchain.ParsePubKey(req.BasePubKey.Curve, req.BasePubKey.Pub)
	if err != nil {
		return nil, err
	}
	link, permalink, prevLink, err := normalizeLinks(req.Link, req.Permalink, req.PrevLink)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.Get(ctx, link, model.RoleRead)
	switch {
	case err == nil:
		if !existing.Unwatched {
			return e.withState(existing), nil
		}
		existing.Unwatched = false
		existing.DateCreated = e.now()
		if err := e.store.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("rewatch seal: %w", err)
		}
		e.logger.Info("watch restarted", zap.String("link", link))
		return e.withState(existing), nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("get seal: %w", err)
	}

	r := &model.Record{
		Link:        link,
		Role:        model.RoleRead,
		Permalink:   permalink,
		PrevLink:    prevLink,
		BasePubKey:  base,
		DateCreated: e.now(),
	}
	if err := e.deriveAddresses(r); err != nil {
		return nil, err
	}
	if err := e.store.Insert(ctx, r); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return e.getRole(ctx, link, model.RoleRead)
		}
		return nil, fmt.Errorf("insert seal: %w", err)
	}

	e.logger.Info("watching seal", zap.String("link", link), zap.String("address", r.Address))
	return e.withState(r), nil
}

func (e *Engine) deriveAddresses(r *model.Record) error {
	addr, err := e.chain.SealAddress(r.Link, r.BasePubKey)
	if err != nil {
		return err
	}
	r.Address = addr
	if r.PrevLink != "" {
		prev, err := e.chain.SealPrevAddress(r.PrevLink, r.BasePubKey)
		if err != nil {
			return err
		}
		r.PrevAddress = prev
	}
	return nil
}

// normalizeLinks validates link and the optional permalink/prevLink and
// lower-cases them.
func normalizeLinks(link, permalink, prevLink string) (string, string, string, error) {
	link, _, err := blockchain.ParseLink(link)
	if err != nil {
		return "", "", "", err
	}
	if prevLink != "" {
		if prevLink, _, err = blockchain.ParseLink(prevLink); err != nil {
			return "", "", "", fmt.Errorf("prev_link: %w", err)
		}
	}
	if permalink != "" {
		permalink = strings.ToLower(strings.TrimPrefix(permalink, "0x"))
		if _, err := hex.DecodeString(permalink); err != nil {
			return "", "", "", fmt.Errorf("%w: permalink is not hex", blockchain.ErrInvalidInput)
		}
	}
	return link, permalink, prevLink, nil
}

// ── Lookups ─────────────────────────────────────────────────────────────────

// Get returns the WRITE record for link, or the READ record if this node
// only watches it.
func (e *Engine) Get(ctx context.Context, link string) (*model.Record, error) {
	link, _, err := blockchain.ParseLink(link)
	if err != nil {
		return nil, err
	}
	for _, role := range []model.Role{model.RoleWrite, model.RoleRead} {
		r, err := e.store.Get(ctx, link, role)
		if err == nil {
			return e.withState(r), nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("get seal: %w", err)
		}
	}
	return nil, ErrNotFound
}

// GetByRole returns the record for (link, role).
func (e *Engine) GetByRole(ctx context.Context, link string, role model.Role) (*model.Record, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", blockchain.ErrInvalidInput, role)
	}
	link, _, err := blockchain.ParseLink(link)
	if err != nil {
		return nil, err
	}
	return e.getRole(ctx, link, role)
}

func (e *Engine) getRole(ctx context.Context, link string, role model.Role) (*model.Record, error) {
	r, err := e.store.Get(ctx, link, role)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get seal: %w", err)
	}
	return e.withState(r), nil
}

// ListByPermalink returns every version sealed or watched under permalink.
func (e *Engine) ListByPermalink(ctx context.Context, permalink string) ([]*model.Record, error) {
	permalink = strings.ToLower(strings.TrimPrefix(permalink, "0x"))
	return e.list(e.store.ListByPermalink(ctx, permalink))
}

// GetUnsealed returns WRITE records awaiting broadcast.
func (e *Engine) GetUnsealed(ctx context.Context) ([]*model.Record, error) {
	return e.list(e.store.ListUnsealed(ctx))
}

// GetUnconfirmed returns records below the threshold that are neither
// pending broadcast nor failed reads.
func (e *Engine) GetUnconfirmed(ctx context.Context) ([]*model.Record, error) {
	return e.list(e.store.ListUnconfirmed(ctx, e.Threshold()))
}

// GetFailedWrites returns WRITE records still unsealed after grace.
func (e *Engine) GetFailedWrites(ctx context.Context, grace time.Duration) ([]*model.Record, error) {
	return e.list(e.store.ListFailedWrites(ctx, e.now().Add(-grace)))
}

// GetFailedReads returns watched records with no confirmations after grace.
// Records already marked unwatched are not returned again.
func (e *Engine) GetFailedReads(ctx context.Context, grace time.Duration) ([]*model.Record, error) {
	return e.list(e.store.ListFailedReads(ctx, e.now().Add(-grace)))
}

// GetLongUnconfirmed returns every record older than grace and still below
// the threshold.
func (e *Engine) GetLongUnconfirmed(ctx context.Context, grace time.Duration) ([]*model.Record, error) {
	return e.list(e.store.ListLongUnconfirmed(ctx, e.now().Add(-grace), e.Threshold()))
}

func (e *Engine) list(rs []*model.Record, err error) ([]*model.Record, error) {
	if err != nil {
		return nil, fmt.Errorf("list seals: %w", err)
	}
	for _, r := range rs {
		e.withState(r)
	}
	return rs, nil
}

func (e *Engine) withState(r *model.Record) *model.Record {
	r.State = r.ComputeState(e.Threshold())
	return r
}

// ── Cycles ──────────────────────────────────────────────────────────────────

// SealPending broadcasts every unsealed WRITE record, one transaction per
// signing key. A failed group keeps its records unsealed and the cycle moves
// on to the next group.
func (e *Engine) SealPending(ctx context.Context) (*model.SealReport, error) {
	start := time.Now()
	report := &model.SealReport{}

	pending, err := e.store.ListUnsealed(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unsealed: %w", err)
	}
	if len(pending) == 0 {
		report.Duration = time.Since(start).String()
		return report, nil
	}

	groups := make(map[string][]*model.Record)
	for _, r := range pending {
		groups[r.KeyFingerprint] = append(groups[r.KeyFingerprint], r)
	}
	fingerprints := make([]string, 0, len(groups))
	for fp := range groups {
		fingerprints = append(fingerprints, fp)
	}
	sort.Strings(fingerprints)
	report.Groups = len(groups)

	err = e.chain.WrapOperation(ctx, func(ctx context.Context) error {
		for _, fp := range fingerprints {
			txID, err := e.sealGroup(ctx, fp, groups[fp])
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, err.Error())
				continue
			}
			report.Sealed += len(groups[fp])
			report.TxIDs = append(report.TxIDs, txID)
		}
		return nil
	})
	report.Duration = time.Since(start).String()
	if err != nil {
		return report, fmt.Errorf("seal pending: %w", err)
	}

	e.logger.Info("seal cycle complete",
		zap.Int("groups", report.Groups),
		zap.Int("sealed", report.Sealed),
		zap.Int("failed", report.Failed),
		zap.String("duration", report.Duration),
	)
	return report, nil
}

// sealGroup broadcasts one key's records and persists the outcome.
func (e *Engine) sealGroup(ctx context.Context, fingerprint string, records []*model.Record) (string, error) {
	key, ok := e.keys.Get(fingerprint)
	if !ok {
		e.logger.Warn("no signing key for pending seals",
			zap.String("key", fingerprint), zap.Int("records", len(records)))
		return "", fmt.Errorf("key %s: %w: signing key not loaded", fingerprint, blockchain.ErrInvalidInput)
	}

	var addresses []string
	seen := make(map[string]bool)
	for _, r := range records {
		for _, a := range r.Addresses() {
			if !seen[a] {
				seen[a] = true
				addresses = append(addresses, a)
			}
		}
	}

	res, err := e.chain.Seal(ctx, blockchain.SealRequest{Key: key, Link: records[0].Link, Addresses: addresses})
	e.recordBroadcast(err == nil)
	if err != nil {
		e.logger.Warn("seal broadcast failed",
			zap.String("key", fingerprint),
			zap.Int("records", len(records)),
			zap.Error(err),
		)
		var partial *blockchain.PartialSendError
		if errors.As(err, &partial) {
			e.sealPartial(ctx, records, partial.Sent)
		}
		return "", fmt.Errorf("key %s: %w", fingerprint, err)
	}

	for _, r := range records {
		e.markSealed(ctx, r, res.TxID)
	}
	return res.TxID, nil
}

// sealPartial marks the records whose addresses were all paid before a
// broadcast failed part-way. The rest stay unsealed for the next cycle.
func (e *Engine) sealPartial(ctx context.Context, records []*model.Record, sent map[string]string) {
	for _, r := range records {
		paid := true
		for _, a := range r.Addresses() {
			if _, ok := sent[a]; !ok {
				paid = false
				break
			}
		}
		if paid {
			e.markSealed(ctx, r, sent[r.Address])
		}
	}
	e.logger.Warn("seal broadcast partly sent",
		zap.Int("records", len(records)), zap.Int("transfers", len(sent)))
}

func (e *Engine) markSealed(ctx context.Context, r *model.Record, txID string) {
	now := e.now()
	threshold := e.Threshold()
	r.TxID = txID
	r.Unsealed = false
	r.DateSealed = &now
	if e.chain.Synchronous() && r.Confirmations < threshold {
		r.Confirmations = threshold
	}
	// each record is written on its own; a store failure here leaves the
	// record pending and the next cycle re-broadcasts it
	if err := e.store.Update(ctx, r); err != nil {
		e.logger.Error("persist sealed record failed",
			zap.String("link", r.Link), zap.String("tx_id", txID), zap.Error(err))
		return
	}
	if r.Confirmed(threshold) {
		e.emit(model.EventWroteSeal, r)
	}
}

// SyncUnconfirmed polls the ledger for every outstanding address and raises
// confirmation depths. A ledger read failure leaves all records untouched and
// is reported in SyncReport.Error.
func (e *Engine) SyncUnconfirmed(ctx context.Context) (*model.SyncReport, error) {
	report := &model.SyncReport{}

	records, err := e.store.ListUnconfirmed(ctx, e.Threshold())
	if err != nil {
		return nil, fmt.Errorf("list unconfirmed: %w", err)
	}
	report.Checked = len(records)
	if len(records) == 0 {
		return report, nil
	}

	byAddress := make(map[string][]*model.Record, len(records))
	addresses := make([]string, 0, len(records))
	for _, r := range records {
		if _, ok := byAddress[r.Address]; !ok {
			addresses = append(addresses, r.Address)
		}
		byAddress[r.Address] = append(byAddress[r.Address], r)
	}

	var txs []blockchain.Tx
	err = e.chain.WrapOperation(ctx, func(ctx context.Context) error {
		height, err := e.chain.GetBlockHeight(ctx)
		if err != nil {
			return err
		}
		report.BlockHeight = height
		txs, err = e.chain.GetTxsForAddresses(ctx, addresses, &height)
		return err
	})
	e.recordRead(err == nil)
	if err != nil {
		e.logger.Warn("sync read failed", zap.Int("records", len(records)), zap.Error(err))
		report.Error = err.Error()
		return report, nil
	}

	best := bestTxByAddress(txs)
	threshold := e.Threshold()
	for addr, tx := range best {
		for _, r := range byAddress[addr] {
			conf := max(r.Confirmations, tx.Confirmations)
			if conf == r.Confirmations && tx.TxID == r.TxID {
				continue
			}
			wasConfirmed := r.Confirmed(threshold)
			r.Confirmations = conf
			r.TxID = tx.TxID
			if err := e.store.Update(ctx, r); err != nil {
				e.logger.Error("persist confirmations failed", zap.String("link", r.Link), zap.Error(err))
				continue
			}
			report.Updated++
			if !wasConfirmed && r.Confirmed(threshold) {
				report.Confirmed++
				e.emit(eventFor(r.Role), r)
			}
		}
	}

	e.logger.Info("sync cycle complete",
		zap.Int("checked", report.Checked),
		zap.Int("updated", report.Updated),
		zap.Int("confirmed", report.Confirmed),
		zap.Int64("block_height", report.BlockHeight),
	)
	return report, nil
}

// bestTxByAddress keeps the deepest transaction seen at each address.
func bestTxByAddress(txs []blockchain.Tx) map[string]blockchain.Tx {
	best := make(map[string]blockchain.Tx, len(txs))
	for _, tx := range txs {
		cur, ok := best[tx.Address]
		if !ok || tx.Confirmations > cur.Confirmations {
			best[tx.Address] = tx
		}
	}
	return best
}

// HandleFailures marks stale watched records unwatched and re-queues stale
// writes. The two sets are computed and persisted independently, each with
// one batch write. The writes only apply to records still failed when the
// batch lands, so a seal or sync cycle running alongside keeps its result.
func (e *Engine) HandleFailures(ctx context.Context, policy model.FailurePolicy) (*model.FailureReport, error) {
	report := &model.FailureReport{}
	now := e.now()

	var mu sync.Mutex
	fail := func(err error) error {
		mu.Lock()
		report.Errors = append(report.Errors, err.Error())
		mu.Unlock()
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		reads, err := e.store.ListFailedReads(ctx, now.Add(-policy.ReadGrace))
		if err != nil {
			return fail(fmt.Errorf("list failed reads: %w", err))
		}
		if len(reads) == 0 {
			return nil
		}
		n, err := e.store.MarkFailedReads(ctx, reads)
		mu.Lock()
		report.FailedReads = n
		mu.Unlock()
		if err != nil {
			return fail(fmt.Errorf("mark failed reads: %w", err))
		}
		if skipped := len(reads) - n; skipped > 0 {
			e.logger.Debug("failed reads changed since listing, skipped", zap.Int("skipped", skipped))
		}
		return nil
	})
	g.Go(func() error {
		writes, err := e.store.ListFailedWrites(ctx, now.Add(-policy.WriteGrace))
		if err != nil {
			return fail(fmt.Errorf("list failed writes: %w", err))
		}
		if len(writes) == 0 {
			return nil
		}
		n, err := e.store.RequeueFailedWrites(ctx, writes)
		mu.Lock()
		report.FailedWrites = n
		mu.Unlock()
		if err != nil {
			return fail(fmt.Errorf("requeue failed writes: %w", err))
		}
		if skipped := len(writes) - n; skipped > 0 {
			e.logger.Debug("failed writes sealed since listing, skipped", zap.Int("skipped", skipped))
		}
		return nil
	})
	err := g.Wait()

	if report.FailedReads > 0 || report.FailedWrites > 0 || err != nil {
		e.logger.Warn("failure policy applied",
			zap.Int("failed_reads", report.FailedReads),
			zap.Int("failed_writes", report.FailedWrites),
			zap.Strings("errors", report.Errors),
		)
	}
	return report, err
}

// ── Events ──────────────────────────────────────────────────────────────────

func eventFor(role model.Role) model.EventType {
	if role == model.RoleRead {
		return model.EventReadSeal
	}
	return model.EventWroteSeal
}

// emit queues an event without blocking; a full queue drops it.
func (e *Engine) emit(typ model.EventType, r *model.Record) {
	ev := model.Event{
		ID:         uuid.New(),
		Type:       typ,
		Record:     *e.withState(r.Clone()),
		OccurredAt: e.now(),
	}
	select {
	case e.events <- ev:
		if e.metrics != nil {
			e.metrics.Event(typ, false)
		}
	default:
		e.logger.Warn("event queue full, dropping event",
			zap.String("type", string(typ)), zap.String("link", r.Link))
		if e.metrics != nil {
			e.metrics.Event(typ, true)
		}
	}
}

func (e *Engine) recordBroadcast(ok bool) {
	if e.metrics != nil {
		e.metrics.Broadcast(ok)
	}
}

func (e *Engine) recordRead(ok bool) {
	if e.metrics != nil {
		e.metrics.Read(ok)
	}
}
