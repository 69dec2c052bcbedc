package ledgersync

import (
	"sync"

	"gorm.io/gorm"
)

// Session owns one ledger's cache partition and watermark. All cache
// mutations for the ledger go through its mutex, which gives the
// "serialized per ledger" guarantee the merge invariants depend on.
//
// Sessions never migrate between ledgers; an in-flight sync holds a *Session
// and its results are discarded if that session is no longer the active one
// by the time they arrive.
type Session struct {
	ledgerID string
	manager  *SessionManager

	mu sync.Mutex

	// needsFullResync upgrades the next sync to the full path, set when a
	// rejected or conflicted update may have left a dirty cache entry whose
	// prior value is no longer known locally.
	needsFullResync bool
}

func (s *Session) LedgerID() string {
	return s.ledgerID
}

// active reports whether this session's ledger is still the active one. A
// manager that has never activated a ledger imposes no switch semantics, so
// every session counts as active then.
func (s *Session) active() bool {
	active := s.manager.ActiveLedger()
	return active == "" || active == s.ledgerID
}

func (s *Session) markNeedsFullResync() {
	s.mu.Lock()
	s.needsFullResync = true
	s.mu.Unlock()
}

// SessionManager hands out one Session per ledger and tracks which ledger is
// currently active. Replaces the ambient module-level ledger/cache/watermark
// state of the original clients with an explicit handle.
type SessionManager struct {
	cache *CacheStore

	mu       sync.Mutex
	sessions map[string]*Session
	active   string
}

func NewSessionManager(db *gorm.DB) *SessionManager {
	m := &SessionManager{
		sessions: make(map[string]*Session),
	}
	if db != nil {
		m.cache = NewCacheStore(db)
	}
	return m
}

// AttachDB wires the cache store once the database is connected. The service
// starts listening before the cache file is opened, so construction and DB
// attachment are separate steps.
func (m *SessionManager) AttachDB(db *gorm.DB) {
	m.mu.Lock()
	m.cache = NewCacheStore(db)
	m.mu.Unlock()
}

// Ready reports whether the cache store is attached.
func (m *SessionManager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache != nil
}

func (m *SessionManager) Cache() *CacheStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache
}

// Session returns the session for a ledger, creating it on first use.
func (m *SessionManager) Session(ledgerID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[ledgerID]
	if !ok {
		s = &Session{ledgerID: ledgerID, manager: m}
		m.sessions[ledgerID] = s
	}
	return s
}

// Activate makes ledgerID the active ledger and returns its session. Any
// sync still in flight for a previously active ledger will find itself
// stale and discard its results.
func (m *SessionManager) Activate(ledgerID string) *Session {
	m.mu.Lock()
	m.active = ledgerID
	m.mu.Unlock()
	return m.Session(ledgerID)
}

func (m *SessionManager) ActiveLedger() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
