package ledgersync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/ledger_sync/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeRemote is an in-memory RemoteStore. Documents are stored as loose maps
// so tests exercise the same decode path as production payloads.
type fakeRemote struct {
	mu   sync.Mutex
	docs map[string]map[string]map[string]any // ledger -> txID -> doc

	// remoteNow is the clock the fake backend stamps on writes.
	remoteNow int64

	nextCreateID string

	listErr   error
	createErr error
	fetchErr  error
	updateErr error
	deleteErr error

	listActiveCalls  int
	listUpdatedCalls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		docs:      map[string]map[string]map[string]any{},
		remoteNow: 1,
	}
}

func (f *fakeRemote) put(ledgerID string, doc map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs[ledgerID] == nil {
		f.docs[ledgerID] = map[string]map[string]any{}
	}
	f.docs[ledgerID][doc["id"].(string)] = doc
}

func (f *fakeRemote) tombstone(ledgerID, txID string, at int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.docs[ledgerID][txID]
	doc["deleted"] = true
	doc["deletedAt"] = at
	doc["updatedAt"] = at
}

func (f *fakeRemote) ListActive(ctx context.Context, ledgerID string, limit int) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listActiveCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}

	var docs []map[string]any
	for _, doc := range f.docs[ledgerID] {
		if deleted, _ := doc["deleted"].(bool); deleted {
			continue
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		di, _ := docs[i]["date"].(string)
		dj, _ := docs[j]["date"].(string)
		return di > dj
	})
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return marshalDocs(docs), nil
}

func (f *fakeRemote) ListUpdatedSince(ctx context.Context, ledgerID string, sinceMillis int64) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listUpdatedCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}

	var docs []map[string]any
	for _, doc := range f.docs[ledgerID] {
		if updatedAt(doc) > sinceMillis {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		return updatedAt(docs[i]) < updatedAt(docs[j])
	})
	return marshalDocs(docs), nil
}

func (f *fakeRemote) Create(ctx context.Context, ledgerID string, doc map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}

	id := f.nextCreateID
	if id == "" {
		id = fmt.Sprintf("tx-%d", len(f.docs[ledgerID])+1)
	}
	stored := map[string]any{"id": id}
	for k, v := range doc {
		stored[k] = v
	}
	f.remoteNow++
	stored["createdAt"] = f.remoteNow
	stored["updatedAt"] = f.remoteNow
	if f.docs[ledgerID] == nil {
		f.docs[ledgerID] = map[string]map[string]any{}
	}
	f.docs[ledgerID][id] = stored
	return id, nil
}

func (f *fakeRemote) Fetch(ctx context.Context, ledgerID, txID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	doc, ok := f.docs[ledgerID][txID]
	if !ok {
		return nil, fmt.Errorf("%w: status 404: no such transaction", ErrRemoteRejected)
	}
	raw, _ := json.Marshal(doc)
	return raw, nil
}

func (f *fakeRemote) Update(ctx context.Context, ledgerID, txID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	doc, ok := f.docs[ledgerID][txID]
	if !ok {
		return fmt.Errorf("%w: status 404: no such transaction", ErrRemoteRejected)
	}
	for k, v := range fields {
		doc[k] = v
	}
	f.remoteNow++
	doc["updatedAt"] = f.remoteNow
	return nil
}

func (f *fakeRemote) SoftDelete(ctx context.Context, ledgerID, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	doc, ok := f.docs[ledgerID][txID]
	if !ok {
		return fmt.Errorf("%w: status 404: no such transaction", ErrRemoteRejected)
	}
	f.remoteNow++
	doc["deleted"] = true
	doc["deletedAt"] = f.remoteNow
	doc["updatedAt"] = f.remoteNow
	return nil
}

func (f *fakeRemote) FetchLedger(ctx context.Context, ledgerID string) (json.RawMessage, error) {
	meta := map[string]any{
		"id":         ledgerID,
		"name":       "Household",
		"currency":   "MMK",
		"categories": []string{"food", "transport"},
	}
	raw, _ := json.Marshal(meta)
	return raw, nil
}

func marshalDocs(docs []map[string]any) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(docs))
	for _, doc := range docs {
		raw, _ := json.Marshal(doc)
		out = append(out, raw)
	}
	return out
}

func updatedAt(doc map[string]any) int64 {
	switch v := doc["updatedAt"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func txDoc(id string, amount float64, date string, updated int64) map[string]any {
	return map[string]any{
		"id":          id,
		"amount":      amount,
		"kind":        "expense",
		"category":    "food",
		"description": "lunch",
		"reward":      0,
		"date":        date,
		"createdBy":   "member-1",
		"createdAt":   updated,
		"updatedAt":   updated,
		"deleted":     false,
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	// :memory: databases are per-connection; keep the pool at one so every
	// query sees the same database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.Transaction{}, &models.SyncWatermark{}, &models.Ledger{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestStack wires a manager, engine and coordinator over a fake remote
// with a fixed local clock.
func newTestStack(t *testing.T, remote *fakeRemote, localNow int64) (*SessionManager, *Engine, *Coordinator) {
	t.Helper()
	logger := newTestLogger()
	manager := NewSessionManager(newTestDB(t))
	engine := NewEngine(remote, logger)
	engine.now = func() int64 { return localNow }
	coordinator := NewCoordinator(remote, engine, logger)
	coordinator.now = func() int64 { return localNow }
	return manager, engine, coordinator
}
