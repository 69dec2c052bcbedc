package models

// SyncWatermark persists, per ledger, the highest updatedAt value this client
// has fully ingested. Zero or a missing row means "never synced" and forces a
// full resync.
type SyncWatermark struct {
	LedgerID     string `gorm:"primaryKey;size:64" json:"ledger_id"`
	LastSyncedAt int64  `gorm:"not null;default:0" json:"last_synced_at"`
}
