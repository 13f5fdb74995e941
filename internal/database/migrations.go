package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/codestreak/internal/ledger"
	"github.com/MarcoPoloResearchLab/codestreak/internal/scoring"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationOpenDailyGoalIndex = "2026-03-01_open_daily_goal_index"
	migrationBackfillBadges     = "2026-03-08_backfill_empty_badges"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, rules *scoring.Ruleset, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationOpenDailyGoalIndex, apply: createOpenDailyGoalIndex},
		{name: migrationBackfillBadges, apply: func(db *gorm.DB) error {
			return backfillEmptyBadges(db, rules.Tiers())
		}},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// The rollover job scans open records of one day.
func createOpenDailyGoalIndex(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS idx_daily_goal_open ON daily_goal_records (day_key, rolled_over)").Error
}

// Rows written before badges were persisted carry an empty badge.
func backfillEmptyBadges(db *gorm.DB, tiers scoring.TierTable) error {
	var states []ledger.UserXpState
	return db.Where("badge = ?", "").FindInBatches(&states, 500, func(tx *gorm.DB, _ int) error {
		for _, state := range states {
			if err := tx.Model(&ledger.UserXpState{}).
				Where("user_id = ?", state.UserID).
				Update("badge", tiers.TierFor(state.CurrentXP).Name).Error; err != nil {
				return err
			}
		}
		return nil
	}).Error
}
