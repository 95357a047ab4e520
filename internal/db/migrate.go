package db

import (
	"fmt"

	"github.com/fieldline/leadrelay/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model managed by this system, in migration
// order. The engine assumes this schema exists; anything beyond AutoMigrate
// (data backfills, index rebuilds) is handled outside this core.
func AllModels() []interface{} {
	return []interface{}{
		&models.Lead{},
		&models.Conversation{},
		&models.ConversationMessage{},
		&models.InboundReceipt{},
		&models.OutboundSend{},
		&models.ReplyDecision{},
		&models.AutomationRun{},
		&models.HumanTask{},
		&models.QueuedJob{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
