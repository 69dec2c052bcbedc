package ledgersync

import (
	"errors"

	"bitbucket.org/mmdatafocus/ledger_sync/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CacheStore is the local mirror of one or more ledgers' non-deleted
// transactions, plus the persisted per-ledger watermark. Callers (the sync
// engine and the mutation coordinator) serialize access per ledger through
// the session mutex; CacheStore itself does no locking.
type CacheStore struct {
	db *gorm.DB
}

func NewCacheStore(db *gorm.DB) *CacheStore {
	return &CacheStore{db: db}
}

// Upsert inserts or replaces by (ledgerId, txId). Most recent upsert wins.
func (c *CacheStore) Upsert(tx models.Transaction) error {
	return c.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ledger_id"}, {Name: "tx_id"}},
		UpdateAll: true,
	}).Create(&tx).Error
}

// Remove deletes by identity. Removing an absent record is a no-op.
func (c *CacheStore) Remove(ledgerID, txID string) error {
	return c.db.
		Where("ledger_id = ? AND tx_id = ?", ledgerID, txID).
		Delete(&models.Transaction{}).Error
}

// ReplaceAll atomically clears one ledger's partition and loads records.
// Used by the full-resync path; the clear-then-insert (not merge) semantics
// recover from prior local corruption and purge aged-out tombstones.
func (c *CacheStore) ReplaceAll(ledgerID string, records []models.Transaction) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("ledger_id = ?", ledgerID).
			Delete(&models.Transaction{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.CreateInBatches(records, 100).Error
	})
}

// List returns the cached records for a ledger, date descending (newest
// first for display); ties broken by updatedAt descending.
func (c *CacheStore) List(ledgerID string) ([]models.Transaction, error) {
	var out []models.Transaction
	err := c.db.
		Where("ledger_id = ?", ledgerID).
		Order("date DESC, updated_at DESC").
		Find(&out).Error
	return out, err
}

func (c *CacheStore) Get(ledgerID, txID string) (models.Transaction, bool, error) {
	var tx models.Transaction
	err := c.db.
		Where("ledger_id = ? AND tx_id = ?", ledgerID, txID).
		Take(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Transaction{}, false, nil
	}
	if err != nil {
		return models.Transaction{}, false, err
	}
	return tx, true, nil
}

func (c *CacheStore) Count(ledgerID string) (int64, error) {
	var n int64
	err := c.db.Model(&models.Transaction{}).
		Where("ledger_id = ?", ledgerID).
		Count(&n).Error
	return n, err
}

// Watermark returns the persisted watermark for a ledger; ok=false means
// never synced.
func (c *CacheStore) Watermark(ledgerID string) (int64, bool, error) {
	var row models.SyncWatermark
	err := c.db.Where("ledger_id = ?", ledgerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.LastSyncedAt, row.LastSyncedAt > 0, nil
}

func (c *CacheStore) SetWatermark(ledgerID string, value int64) error {
	row := models.SyncWatermark{LedgerID: ledgerID, LastSyncedAt: value}
	return c.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ledger_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// SaveLedger whole-document-replaces the ledger metadata mirror.
func (c *CacheStore) SaveLedger(ledger models.Ledger) error {
	return c.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ledger_id"}},
		UpdateAll: true,
	}).Create(&ledger).Error
}

func (c *CacheStore) GetLedger(ledgerID string) (models.Ledger, bool, error) {
	var row models.Ledger
	err := c.db.Where("ledger_id = ?", ledgerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Ledger{}, false, nil
	}
	if err != nil {
		return models.Ledger{}, false, err
	}
	return row, true, nil
}
