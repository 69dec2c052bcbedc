package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	// Load env from .env
	godotenv.Load()
	// Do NOT open the database in init(); the service must start listening
	// on $PORT before the cache file is touched.
}

// ConnectDatabase opens the on-device cache database and sets the global DB.
// Call this from main() AFTER the HTTP server is listening.
//
// The cache is private to one client process (a SQLite file in WAL mode), so
// there is no pool tuning beyond a busy timeout. LEDGER_DB_PATH overrides the
// default location.
func ConnectDatabase() error {
	path := strings.TrimSpace(os.Getenv("LEDGER_DB_PATH"))
	if path == "" {
		path = filepath.Join(".", "data", "ledger_sync.db")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	busyTimeout := intFromEnv("DB_BUSY_TIMEOUT_MS", 5000)
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL", path, busyTimeout)

	var err error
	db, err = gorm.Open(sqlite.Open(dsn), initConfig())
	if err != nil {
		return fmt.Errorf("open cache database: %w", err)
	}

	// SQLite serializes writers; a single connection keeps gorm's pooled
	// handles from fighting over the file lock.
	if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
		sqlDB.SetMaxOpenConns(1)
	}

	if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil {
		log.Printf("db connected but failed to install otelgorm plugin: %v", pluginErr)
	}
	log.Printf("opened cache database at %s", path)
	return nil
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// InitConfig Initialize Config
func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
	}
}

// InitLog Connection Log Configuration
func initLog() logger.Interface {
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:      false,
			LogLevel:      logger.Error,
			SlowThreshold: time.Second,
		},
	)
	return newLogger
}

// InitNamingStrategy Init NamingStrategy
func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}
