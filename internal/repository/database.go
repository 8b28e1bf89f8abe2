package repository

import (
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the Postgres connection and migrates the messaging schema.
func InitDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates the tables and the full-text index used by search.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Thread{},
		&models.Participant{},
		&models.Message{},
		&models.MessageEdit{},
		&models.IdempotencyRecord{},
	); err != nil {
		return err
	}
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_content_fts
		ON messages USING GIN (to_tsvector('simple', content))`).Error
}
