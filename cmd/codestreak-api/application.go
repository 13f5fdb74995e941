package main

import (
	"context"
	"io"

	"github.com/MarcoPoloResearchLab/codestreak/internal/cache"
	"github.com/MarcoPoloResearchLab/codestreak/internal/config"
	"github.com/MarcoPoloResearchLab/codestreak/internal/dailygoal"
	"github.com/MarcoPoloResearchLab/codestreak/internal/database"
	"github.com/MarcoPoloResearchLab/codestreak/internal/gamification"
	"github.com/MarcoPoloResearchLab/codestreak/internal/ledger"
	"github.com/MarcoPoloResearchLab/codestreak/internal/scoring"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the storage-backed services shared by the server and
// the rollover job.
type application struct {
	db      *gorm.DB
	engine  *gamification.Engine
	closers []io.Closer
}

func (a *application) Close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		_ = a.closers[index].Close()
	}
}

func buildApplication(ctx context.Context, appConfig config.AppConfig, notifier gamification.Notifier, logger *zap.Logger) (*application, error) {
	rules, err := loadRules(appConfig.RulesFile, logger)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		DSN:    appConfig.DatabaseDSN,
	}, rules, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app := &application{db: db, closers: []io.Closer{sqlDB}}

	summaryCache := openSummaryCache(ctx, appConfig, logger)
	if closer, ok := summaryCache.(io.Closer); ok {
		app.closers = append(app.closers, closer)
	}

	xpLedger, err := ledger.New(ledger.Config{
		Database:   db,
		Rules:      rules,
		IDProvider: ledger.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	goals, err := dailygoal.NewEvaluator(dailygoal.Config{
		Database: db,
		Ledger:   xpLedger,
		Rules:    rules,
		Logger:   logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	engine, err := gamification.NewEngine(gamification.Config{
		Ledger:   xpLedger,
		Goals:    goals,
		Notifier: notifier,
		Cache:    summaryCache,
		Logger:   logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.engine = engine
	return app, nil
}

func loadRules(path string, logger *zap.Logger) (*scoring.Ruleset, error) {
	if path == "" {
		return scoring.Compile(scoring.DefaultRules())
	}
	rules, err := scoring.LoadRulesFile(path)
	if err != nil {
		return nil, err
	}
	logger.Info("scoring rules loaded", zap.String("path", path))
	return rules, nil
}

// openSummaryCache prefers Redis and falls back to process memory when no
// address is configured or the server cannot be reached.
func openSummaryCache(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) cache.SummaryCache {
	if appConfig.RedisAddress == "" {
		return cache.NewMemory(appConfig.SummaryTTL, nil)
	}
	redisCache, err := cache.NewRedis(ctx, cache.RedisConfig{
		Address:  appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
		TTL:      appConfig.SummaryTTL,
	})
	if err != nil {
		logger.Warn("redis summary cache unavailable, using memory", zap.String("address", appConfig.RedisAddress), zap.Error(err))
		return cache.NewMemory(appConfig.SummaryTTL, nil)
	}
	return redisCache
}
