// Package store persists restorable session records and per-user session
// ordering in SQLite, so sessions survive a gateway restart.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SessionRecord mirrors a live session. Records carry a TTL; expired rows
// are skipped on load and swept by PurgeExpired.
type SessionRecord struct {
	SessionID string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	TargetID  string
	Command   string
	ViewMode  string
	Name      string
	Docker    bool
	ExpiresAt time.Time
}

// OrderEntry is one position in a user's session ordering.
type OrderEntry struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Position  int
	SessionID string
}

// Store wraps the database handle.
type Store struct {
	db  *gorm.DB
	ttl time.Duration
}

// Open opens (creating if needed) the SQLite database at path and runs
// migrations. ttl is applied to records on every save.
func Open(path string, ttl time.Duration) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&SessionRecord{}, &OrderEntry{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db, ttl: ttl}, nil
}

// SaveRecord inserts or replaces the record, refreshing its TTL.
func (s *Store) SaveRecord(rec SessionRecord) error {
	rec.ExpiresAt = time.Now().Add(s.ttl)
	return s.db.Save(&rec).Error
}

// GetRecord returns the record for a session id, or (nil, nil) when absent
// or expired.
func (s *Store) GetRecord(sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.First(&rec, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

// DeleteRecord removes the record and the user's order entry for it.
func (s *Store) DeleteRecord(sessionID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SessionRecord{}, "session_id = ?", sessionID).Error; err != nil {
			return err
		}
		return tx.Delete(&OrderEntry{}, "session_id = ?", sessionID).Error
	})
}

// LoadRecords returns all unexpired records.
func (s *Store) LoadRecords() ([]SessionRecord, error) {
	var recs []SessionRecord
	if err := s.db.Where("expires_at > ?", time.Now()).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// SetViewMode updates the persisted view mode of one session.
func (s *Store) SetViewMode(sessionID, mode string) error {
	return s.db.Model(&SessionRecord{}).Where("session_id = ?", sessionID).
		Update("view_mode", mode).Error
}

// AppendOrder places the session at the end of the user's ordering.
func (s *Store) AppendOrder(userID, sessionID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var max int
		row := tx.Model(&OrderEntry{}).Where("user_id = ?", userID).
			Select("COALESCE(MAX(position), -1)").Row()
		if err := row.Scan(&max); err != nil {
			return err
		}
		return tx.Create(&OrderEntry{UserID: userID, Position: max + 1, SessionID: sessionID}).Error
	})
}

// SetOrder replaces the user's ordering wholesale.
func (s *Store) SetOrder(userID string, sessionIDs []string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&OrderEntry{}, "user_id = ?", userID).Error; err != nil {
			return err
		}
		for i, id := range sessionIDs {
			if err := tx.Create(&OrderEntry{UserID: userID, Position: i, SessionID: id}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Order returns the user's session ids in stored order.
func (s *Store) Order(userID string) ([]string, error) {
	var entries []OrderEntry
	err := s.db.Where("user_id = ?", userID).Order("position").Find(&entries).Error
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.SessionID)
	}
	return ids, nil
}

// PurgeExpired deletes expired records and their order entries. Returns the
// number of records removed.
func (s *Store) PurgeExpired() (int64, error) {
	var removed int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var stale []SessionRecord
		if err := tx.Where("expires_at <= ?", time.Now()).Find(&stale).Error; err != nil {
			return err
		}
		for _, rec := range stale {
			if err := tx.Delete(&SessionRecord{}, "session_id = ?", rec.SessionID).Error; err != nil {
				return err
			}
			if err := tx.Delete(&OrderEntry{}, "session_id = ?", rec.SessionID).Error; err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
