package ledgersync

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/ledger_sync/config"
	"bitbucket.org/mmdatafocus/ledger_sync/models"
	"github.com/sirupsen/logrus"
)

// defaultPageSize bounds the full-resync query: large enough to cover
// realistic household usage in one round trip, small enough to bound
// transfer cost.
const defaultPageSize = 500

// Engine reconciles the local cache against the remote store, full or
// incremental, and advances the per-ledger watermark.
type Engine struct {
	remote   RemoteStore
	logger   *logrus.Logger
	pageSize int

	// now returns epoch millis; swapped out in tests.
	now func() int64
}

func NewEngine(remote RemoteStore, logger *logrus.Logger) *Engine {
	return &Engine{
		remote:   remote,
		logger:   logger,
		pageSize: defaultPageSize,
		now:      nowMillis,
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Sync runs one full or incremental pass for the session's ledger and
// returns the number of records upserted plus removed.
//
// The session mutex is held for the whole pass, so syncs and mutations for
// one ledger never interleave on the cache. A failed pass leaves the
// watermark untouched; retrying redelivers the same changes, which is
// harmless because the merge is idempotent per identity.
func (e *Engine) Sync(ctx context.Context, s *Session, forceFull bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active() {
		return 0, nil
	}

	cache := s.manager.Cache()
	if s.needsFullResync {
		forceFull = true
	}

	watermark, ok, err := cache.Watermark(s.ledgerID)
	if err != nil {
		return 0, err
	}

	if forceFull || !ok {
		n, err := e.fullResync(ctx, s, cache, watermark)
		if err == nil {
			s.needsFullResync = false
		}
		return n, err
	}
	return e.incremental(ctx, s, cache, watermark)
}

// fullResync replaces the whole cache partition with the bounded remote
// query result. Clear-then-insert, not merge: this recovers from any prior
// local corruption and purges tombstones that silently aged out remotely.
func (e *Engine) fullResync(ctx context.Context, s *Session, cache *CacheStore, prevWatermark int64) (int, error) {
	rows, err := e.remote.ListActive(ctx, s.ledgerID, e.pageSize)
	if err != nil {
		return 0, err
	}

	records := make([]models.Transaction, 0, len(rows))
	maxUpdated := int64(0)
	for _, raw := range rows {
		doc, derr := decodeTransactionDoc(raw)
		if derr != nil {
			e.logSkip(s.ledgerID, "fullResync", raw, derr)
			continue
		}
		if doc.Deleted {
			// ListActive should not return tombstones; skip if one leaks.
			continue
		}
		rec := doc.toTransaction(s.ledgerID)
		records = append(records, rec)
		if rec.UpdatedAt > maxUpdated {
			maxUpdated = rec.UpdatedAt
		}
	}

	// The ledger may have been switched while the query was in flight; a
	// stale sync must never write into another partition's view.
	if !s.active() {
		return 0, nil
	}

	if err := cache.ReplaceAll(s.ledgerID, records); err != nil {
		return 0, err
	}

	// An empty ledger still advances its watermark to "now" so it does not
	// re-trigger a full scan on every sync.
	if maxUpdated == 0 {
		maxUpdated = e.now()
	}
	if maxUpdated < prevWatermark {
		maxUpdated = prevWatermark
	}
	if err := cache.SetWatermark(s.ledgerID, maxUpdated); err != nil {
		return 0, err
	}

	e.refreshLedgerMeta(ctx, s, cache)

	return len(records), nil
}

// incremental merges all records changed since the watermark: tombstones are
// removed from the cache by identity, everything else is upserted.
func (e *Engine) incremental(ctx context.Context, s *Session, cache *CacheStore, watermark int64) (int, error) {
	rows, err := e.remote.ListUpdatedSince(ctx, s.ledgerID, watermark)
	if err != nil {
		return 0, err
	}

	if !s.active() {
		return 0, nil
	}

	changed := 0
	maxUpdated := watermark
	for _, raw := range rows {
		doc, derr := decodeTransactionDoc(raw)
		if derr != nil {
			e.logSkip(s.ledgerID, "incremental", raw, derr)
			continue
		}
		if doc.UpdatedAt > maxUpdated {
			maxUpdated = doc.UpdatedAt
		}
		if doc.Deleted {
			if err := cache.Remove(s.ledgerID, doc.ID); err != nil {
				return changed, err
			}
		} else {
			if err := cache.Upsert(doc.toTransaction(s.ledgerID)); err != nil {
				return changed, err
			}
		}
		changed++
	}

	if len(rows) == 0 {
		// A quiescent ledger's watermark tracks wall-clock time. A remote
		// write whose updatedAt lags our "now" (clock skew on the query
		// boundary) can be skipped by this; see DESIGN.md.
		if now := e.now(); now > maxUpdated {
			maxUpdated = now
		}
	}

	if err := cache.SetWatermark(s.ledgerID, maxUpdated); err != nil {
		return changed, err
	}
	return changed, nil
}

// refreshLedgerMeta whole-document-replaces the ledger metadata mirror.
// Metadata is not watermarked; a failure here never fails the resync.
func (e *Engine) refreshLedgerMeta(ctx context.Context, s *Session, cache *CacheStore) {
	raw, err := e.remote.FetchLedger(ctx, s.ledgerID)
	if err != nil {
		config.LogError(e.logger, "ledgersync", "refreshLedgerMeta", s.ledgerID, nil, err)
		return
	}
	var doc ledgerDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		config.LogError(e.logger, "ledgersync", "refreshLedgerMeta", s.ledgerID, string(raw), err)
		return
	}
	if err := cache.SaveLedger(doc.toLedger(s.ledgerID, e.now())); err != nil {
		config.LogError(e.logger, "ledgersync", "refreshLedgerMeta", s.ledgerID, nil, err)
	}
}

func (e *Engine) logSkip(ledgerID, funcName string, raw json.RawMessage, err error) {
	e.logger.WithFields(logrus.Fields{
		"module":   "ledgersync",
		"funcName": funcName,
		"ledgerId": ledgerID,
		"doc":      string(raw),
	}).Warn("skipping malformed transaction document: " + err.Error())
}
