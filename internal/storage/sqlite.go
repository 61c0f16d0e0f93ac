package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type kvRow struct {
	CacheKey   string `gorm:"primaryKey;column:cache_key"`
	CacheValue string `gorm:"column:cache_value;not null"`
	UpdatedAt  time.Time
}

func (kvRow) TableName() string { return postgresTableName }

// SQLite is a single-host embedded backend. It survives restarts without
// any external service.
type SQLite struct {
	db *gorm.DB
}

func NewSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&kvRow{}); err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(key string) (string, bool, error) {
	var row kvRow
	err := s.db.Where("cache_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.CacheValue, true, nil
}

func (s *SQLite) Set(key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	row := kvRow{CacheKey: key, CacheValue: value, UpdatedAt: time.Now().UTC()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"cache_value", "updated_at"}),
	}).Create(&row).Error
}

func (s *SQLite) Remove(key string) error {
	return s.db.Where("cache_key = ?", key).Delete(&kvRow{}).Error
}

func (s *SQLite) Keys(prefix string) ([]string, error) {
	keys := []string{}
	err := s.db.Model(&kvRow{}).
		Where(`cache_key LIKE ? ESCAPE '\'`, likePrefix(prefix)).
		Order("cache_key").
		Pluck("cache_key", &keys).Error
	return keys, err
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
