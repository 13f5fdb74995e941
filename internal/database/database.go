package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/codestreak/internal/dailygoal"
	"github.com/MarcoPoloResearchLab/codestreak/internal/ledger"
	"github.com/MarcoPoloResearchLab/codestreak/internal/scoring"
	"github.com/MarcoPoloResearchLab/codestreak/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the storage backend.
type Config struct {
	Driver string
	DSN    string
	// MaxOpenConns is ignored for SQLite, which always uses one connection.
	MaxOpenConns int
}

// Open connects to the configured database and brings the schema up to date.
func Open(cfg Config, rules *scoring.Ruleset, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if db.Dialector.Name() == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := Migrate(db, rules, logger); err != nil {
		return nil, err
	}
	logger.Info("database initialized", zap.String("driver", db.Dialector.Name()))
	return db, nil
}

// Migrate creates the tables and applies pending one-off migrations.
func Migrate(db *gorm.DB, rules *scoring.Ruleset, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&ledger.UserXpState{},
		&ledger.XpTransaction{},
		&dailygoal.DailyGoalRecord{},
		&users.Identity{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, rules, logger)
}
