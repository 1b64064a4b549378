package utils

import (
	"fmt"
	"os"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rnr-capital/newsfeed-alerts/model"
)

// GetDBConnection opens the production postgres database. An empty dsn falls
// back to the DB_DSN environment variable.
func GetDBConnection(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		return nil, fmt.Errorf("no database dsn configured")
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Warn),
		TranslateError:                           true,
		DisableForeignKeyConstraintWhenMigrating: true,
	})
}

func DatabaseSetupAndMigration(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.Alert{},
		&model.Content{},
		&model.Story{},
		&model.Channel{},
		&model.Subscription{},
		&model.Invitation{},
		&model.Delivery{},
	)
}

// CreateTempDB returns a migrated in-memory database private to the test,
// and its name.
func CreateTempDB(t *testing.T) (*gorm.DB, string) {
	t.Helper()
	name := "test_" + uuid.New().String()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", name)), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		TranslateError:                           true,
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("fail to create temp db %s: %v", name, err)
	}
	if err := DatabaseSetupAndMigration(db); err != nil {
		t.Fatalf("fail to migrate temp db %s: %v", name, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("fail to get sql db: %v", err)
	}
	// sqlite allows a single writer, concurrent callers queue on the pool
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		sqlDB.Close()
	})
	return db, name
}
