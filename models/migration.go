package models

import (
	"log"

	"bitbucket.org/mmdatafocus/ledger_sync/config"
)

// MigrateTable creates/updates the local cache schema.
func MigrateTable() {
	db := config.GetDB()
	if db == nil {
		log.Fatal("migrate: database is not connected")
	}

	err := db.AutoMigrate(
		&Transaction{},
		&SyncWatermark{},
		&Ledger{},
	)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
}
