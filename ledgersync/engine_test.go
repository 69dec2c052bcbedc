package ledgersync

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/ledger_sync/models"
)

const testLedger = "ledger-1"

func TestSync_NeverSyncedTakesFullPath(t *testing.T) {
	// Scenario: empty ledger, watermark absent. sync(forceFull=false) must
	// still take the full path, report zero changes, and persist "now" so
	// the next sync is incremental.
	remote := newFakeRemote()
	manager, engine, _ := newTestStack(t, remote, 10_000)
	session := manager.Session(testLedger)

	count, err := engine.Sync(context.Background(), session, false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 changes, got %d", count)
	}

	watermark, ok, err := manager.Cache().Watermark(testLedger)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if !ok || watermark != 10_000 {
		t.Fatalf("expected watermark 10000, got %d (ok=%v)", watermark, ok)
	}
	if remote.listActiveCalls != 1 || remote.listUpdatedCalls != 0 {
		t.Fatalf("expected one full query and no incremental, got %d/%d",
			remote.listActiveCalls, remote.listUpdatedCalls)
	}
}

func TestSync_IncrementalPicksUpNewRecord(t *testing.T) {
	// Scenario: tx1 cached with watermark 1000; remote gains tx2 at 2000.
	remote := newFakeRemote()
	remote.put(testLedger, txDoc("tx1", 25, "2026-01-10", 1000))
	manager, engine, _ := newTestStack(t, remote, 900)
	session := manager.Session(testLedger)

	if _, err := engine.Sync(context.Background(), session, false); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	if w, _, _ := manager.Cache().Watermark(testLedger); w != 1000 {
		t.Fatalf("expected watermark 1000 after initial sync, got %d", w)
	}

	remote.put(testLedger, txDoc("tx2", 40, "2026-01-11", 2000))
	count, err := engine.Sync(context.Background(), session, false)
	if err != nil {
		t.Fatalf("incremental sync: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 change, got %d", count)
	}

	records, err := manager.Cache().List(testLedger)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected tx1 and tx2 cached, got %d records", len(records))
	}
	if w, _, _ := manager.Cache().Watermark(testLedger); w != 2000 {
		t.Fatalf("expected watermark 2000, got %d", w)
	}
}

func TestSync_TombstoneRemovesCachedRecord(t *testing.T) {
	remote := newFakeRemote()
	remote.put(testLedger, txDoc("tx1", 25, "2026-01-10", 1000))
	remote.put(testLedger, txDoc("tx2", 40, "2026-01-11", 2000))
	manager, engine, _ := newTestStack(t, remote, 900)
	session := manager.Session(testLedger)

	if _, err := engine.Sync(context.Background(), session, false); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	remote.tombstone(testLedger, "tx1", 3000)
	count, err := engine.Sync(context.Background(), session, false)
	if err != nil {
		t.Fatalf("incremental sync: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 change, got %d", count)
	}

	records, _ := manager.Cache().List(testLedger)
	if len(records) != 1 || records[0].TxID != "tx2" {
		t.Fatalf("expected only tx2 cached, got %+v", records)
	}
	if w, _, _ := manager.Cache().Watermark(testLedger); w != 3000 {
		t.Fatalf("expected watermark 3000, got %d", w)
	}
}

func TestSync_IncrementalMergeIsIdempotent(t *testing.T) {
	remote := newFakeRemote()
	remote.put(testLedger, txDoc("tx1", 25, "2026-01-10", 1000))
	remote.put(testLedger, txDoc("tx2", 40, "2026-01-11", 2000))
	manager, engine, _ := newTestStack(t, remote, 900)
	session := manager.Session(testLedger)

	if _, err := engine.Sync(context.Background(), session, false); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	before, _ := manager.Cache().List(testLedger)

	// Rewind the watermark so the same page is delivered again.
	if err := manager.Cache().SetWatermark(testLedger, 500); err != nil {
		t.Fatalf("rewind watermark: %v", err)
	}
	count, err := engine.Sync(context.Background(), session, false)
	if err != nil {
		t.Fatalf("replayed sync: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected the full page redelivered, got %d", count)
	}

	after, _ := manager.Cache().List(testLedger)
	if len(after) != len(before) {
		t.Fatalf("replay changed cache size: %d -> %d", len(before), len(after))
	}
	for i := range after {
		if after[i].TxID != before[i].TxID || after[i].UpdatedAt != before[i].UpdatedAt {
			t.Fatalf("replay changed record %d: %+v vs %+v", i, before[i], after[i])
		}
	}
}

func TestSync_FailureLeavesWatermarkUntouched(t *testing.T) {
	remote := newFakeRemote()
	remote.put(testLedger, txDoc("tx1", 25, "2026-01-10", 1000))
	manager, engine, _ := newTestStack(t, remote, 900)
	session := manager.Session(testLedger)

	if _, err := engine.Sync(context.Background(), session, false); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	remote.listErr = ErrUnreachable
	if _, err := engine.Sync(context.Background(), session, false); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if w, _, _ := manager.Cache().Watermark(testLedger); w != 1000 {
		t.Fatalf("failed sync moved the watermark: %d", w)
	}
}

func TestSync_EmptyIncrementalAdvancesWatermarkToNow(t *testing.T) {
	remote := newFakeRemote()
	remote.put(testLedger, txDoc("tx1", 25, "2026-01-10", 1000))
	manager, engine, _ := newTestStack(t, remote, 900)
	session := manager.Session(testLedger)

	if _, err := engine.Sync(context.Background(), session, false); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	engine.now = func() int64 { return 7000 }
	count, err := engine.Sync(context.Background(), session, false)
	if err != nil {
		t.Fatalf("quiescent sync: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 changes, got %d", count)
	}
	if w, _, _ := manager.Cache().Watermark(testLedger); w != 7000 {
		t.Fatalf("expected watermark 7000, got %d", w)
	}
}

func TestSync_FullResyncReplacesWholePartition(t *testing.T) {
	remote := newFakeRemote()
	remote.put(testLedger, txDoc("tx1", 25, "2026-01-10", 1000))
	remote.put(testLedger, txDoc("tx2", 40, "2026-01-11", 2000))
	manager, engine, _ := newTestStack(t, remote, 900)
	session := manager.Session(testLedger)

	if _, err := engine.Sync(context.Background(), session, false); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	// Corrupt the cache with a record the remote never had.
	stray := models.Transaction{
		LedgerID:  testLedger,
		TxID:      "stray",
		Kind:      models.KindExpense,
		Category:  "food",
		CreatedBy: "member-1",
		Date:      "2026-01-01",
		CreatedAt: 50,
		UpdatedAt: 50,
	}
	if err := manager.Cache().Upsert(stray); err != nil {
		t.Fatalf("seed stray record: %v", err)
	}

	count, err := engine.Sync(context.Background(), session, true)
	if err != nil {
		t.Fatalf("full resync: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 records loaded, got %d", count)
	}

	records, _ := manager.Cache().List(testLedger)
	if len(records) != 2 {
		t.Fatalf("expected exactly the remote's 2 records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.TxID == "stray" {
			t.Fatal("full resync kept a record the remote does not have")
		}
	}
}

func TestSync_MalformedDocumentIsSkippedNotFatal(t *testing.T) {
	remote := newFakeRemote()
	remote.put(testLedger, txDoc("tx1", 25, "2026-01-10", 1000))
	// No id: must be skipped, not abort the sync.
	remote.put(testLedger, txDoc("", 99, "2026-01-12", 4000))

	manager, engine, _ := newTestStack(t, remote, 900)
	session := manager.Session(testLedger)

	count, err := engine.Sync(context.Background(), session, false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the valid record counted, got %d", count)
	}
	records, _ := manager.Cache().List(testLedger)
	if len(records) != 1 || records[0].TxID != "tx1" {
		t.Fatalf("expected only tx1 cached, got %+v", records)
	}
}

func TestSync_StaleSessionResultsAreDiscarded(t *testing.T) {
	remote := newFakeRemote()
	remote.put("ledger-a", txDoc("tx1", 25, "2026-01-10", 1000))
	manager, engine, _ := newTestStack(t, remote, 900)

	sessionA := manager.Activate("ledger-a")
	manager.Activate("ledger-b")

	count, err := engine.Sync(context.Background(), sessionA, false)
	if err != nil {
		t.Fatalf("stale sync: %v", err)
	}
	if count != 0 {
		t.Fatalf("stale sync applied %d changes", count)
	}
	records, _ := manager.Cache().List("ledger-a")
	if len(records) != 0 {
		t.Fatal("stale sync wrote into an inactive ledger's partition")
	}
	if _, ok, _ := manager.Cache().Watermark("ledger-a"); ok {
		t.Fatal("stale sync persisted a watermark")
	}
}

func TestSync_FullResyncRefreshesLedgerMetadata(t *testing.T) {
	remote := newFakeRemote()
	manager, engine, _ := newTestStack(t, remote, 10_000)
	session := manager.Session(testLedger)

	if _, err := engine.Sync(context.Background(), session, true); err != nil {
		t.Fatalf("full resync: %v", err)
	}

	meta, found, err := manager.Cache().GetLedger(testLedger)
	if err != nil || !found {
		t.Fatalf("expected ledger metadata cached (found=%v err=%v)", found, err)
	}
	if meta.Name != "Household" {
		t.Fatalf("expected ledger name Household, got %q", meta.Name)
	}
	if got := meta.Categories(); len(got) != 2 || got[0] != "food" {
		t.Fatalf("unexpected categories: %v", got)
	}
}

func TestSync_WatermarkNeverDecreases(t *testing.T) {
	remote := newFakeRemote()
	remote.put(testLedger, txDoc("tx1", 25, "2026-01-10", 9000))
	manager, engine, _ := newTestStack(t, remote, 500)
	session := manager.Session(testLedger)

	if _, err := engine.Sync(context.Background(), session, false); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	if w, _, _ := manager.Cache().Watermark(testLedger); w != 9000 {
		t.Fatalf("expected watermark 9000, got %d", w)
	}

	// Remote loses its newest record (tombstone aged out); a forced full
	// resync sees only older data plus a local clock behind the watermark.
	delete(remote.docs[testLedger], "tx1")
	remote.put(testLedger, txDoc("tx2", 10, "2026-01-02", 4000))

	if _, err := engine.Sync(context.Background(), session, true); err != nil {
		t.Fatalf("full resync: %v", err)
	}
	if w, _, _ := manager.Cache().Watermark(testLedger); w < 9000 {
		t.Fatalf("watermark went backwards: %d", w)
	}
}
