package db

import (
	"fmt"

	"github.com/writgo/aigateway/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the schema for all gateway models.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.Account{},
		&models.APIKey{},
		&models.UsageRecord{},
		&models.IdempotencyKey{},
		&models.GenerationLog{},
		&models.Admin{},
		&models.Setting{},
	)
}
