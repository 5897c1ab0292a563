// Package storage persists download outcome history to SQLite.
package storage

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage handles all database operations using SQLite.
type Storage struct {
	DB *gorm.DB
}

// Open initialises the SQLite database at path (":memory:" in tests).
func Open(path string) (*Storage, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// WAL for concurrent reader/writer friendliness.
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if err := db.AutoMigrate(&DownloadRecord{}, &DailyStat{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Storage{DB: db}, nil
}

func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordOutcome appends one outcome row and bumps the daily counters.
func (s *Storage) RecordOutcome(rec DownloadRecord) error {
	if err := s.DB.Create(&rec).Error; err != nil {
		return err
	}
	return s.incrementDaily(rec.Disposition == DispositionSuccess)
}

func (s *Storage) incrementDaily(success bool) error {
	today := time.Now().Format("2006-01-02")
	stat := DailyStat{Date: today}
	column := "failures"
	if success {
		column = "successes"
		stat.Successes = 1
	} else {
		stat.Failures = 1
	}
	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			column: gorm.Expr(column + " + 1"),
		}),
	}).Create(&stat).Error
}

// History returns the most recent outcome rows, newest first.
func (s *Storage) History(limit int) ([]DownloadRecord, error) {
	var recs []DownloadRecord
	q := s.DB.Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&recs).Error
	return recs, err
}

// DailyHistory returns the last N days of aggregates.
func (s *Storage) DailyHistory(days int) ([]DailyStat, error) {
	var stats []DailyStat
	err := s.DB.Order("date desc").Limit(days).Find(&stats).Error
	return stats, err
}

// Totals returns lifetime success and failure counts.
func (s *Storage) Totals() (successes, failures int64, err error) {
	row := s.DB.Model(&DailyStat{}).
		Select("IFNULL(SUM(successes), 0), IFNULL(SUM(failures), 0)").Row()
	err = row.Scan(&successes, &failures)
	return successes, failures, err
}
