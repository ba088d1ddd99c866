package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/creatorsync/client/internal/models"
)

// ErrMiss indicates nothing has been cached for the requested key.
var ErrMiss = errors.New("cache miss")

// Cache keeps the last known chat list and history windows on disk so the
// client can show stale data while the backend is unreachable.
type Cache struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (creating if needed) the sqlite cache at path.
func Open(path string) (*Cache, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	c, err := New(db)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return c, nil
}

// New wraps an existing gorm handle and migrates the cache tables.
func New(db *gorm.DB) (*Cache, error) {
	if db == nil {
		return nil, errors.New("cache: nil database")
	}
	if err := db.AutoMigrate(&chatRow{}, &windowRow{}, &messageRow{}); err != nil {
		return nil, fmt.Errorf("migrate cache: %w", err)
	}
	return &Cache{db: db, now: time.Now}, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveChats replaces the cached chat list, keeping its order.
func (c *Cache) SaveChats(ctx context.Context, chats []models.Chat) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&chatRow{}).Error; err != nil {
			return fmt.Errorf("clear cached chats: %w", err)
		}
		if len(chats) == 0 {
			return nil
		}
		rows := make([]chatRow, 0, len(chats))
		for i, chat := range chats {
			rows = append(rows, chatToRow(i, chat))
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("save cached chats: %w", err)
		}
		return nil
	})
}

// LoadChats returns the cached chat list in its saved order.
func (c *Cache) LoadChats(ctx context.Context) ([]models.Chat, error) {
	var rows []chatRow
	if err := c.db.WithContext(ctx).Order("position ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load cached chats: %w", err)
	}

	chats := make([]models.Chat, 0, len(rows))
	for _, row := range rows {
		chat, err := row.toModel()
		if err != nil {
			return nil, fmt.Errorf("decode cached chat %s: %w", row.ID, err)
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// SaveMessages replaces the cached window of chatID. Only messages the
// backend acknowledged are kept; total is the server-side message count.
func (c *Cache) SaveMessages(ctx context.Context, chatID string, msgs []models.Message, total int) error {
	rows := make([]messageRow, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		rows = append(rows, messageToRow(chatID, len(rows), msg))
	}
	if total < len(rows) {
		total = len(rows)
	}

	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", chatID).Delete(&messageRow{}).Error; err != nil {
			return fmt.Errorf("clear cached messages: %w", err)
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(&rows, 100).Error; err != nil {
				return fmt.Errorf("save cached messages: %w", err)
			}
		}
		window := windowRow{ChatID: chatID, TotalMessages: total, SavedAt: c.now().UTC()}
		if err := tx.Save(&window).Error; err != nil {
			return fmt.Errorf("save cached window: %w", err)
		}
		return nil
	})
}

// LoadMessages returns the cached window of chatID, oldest first, with the
// server total recorded alongside it. ErrMiss is returned when the chat was
// never cached.
func (c *Cache) LoadMessages(ctx context.Context, chatID string) ([]models.Message, int, error) {
	var window windowRow
	err := c.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&window).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, ErrMiss
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load cached window: %w", err)
	}

	var rows []messageRow
	if err := c.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("position ASC").
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("load cached messages: %w", err)
	}

	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toModel()
		if err != nil {
			return nil, 0, fmt.Errorf("decode cached message %s: %w", row.MessageID, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, window.TotalMessages, nil
}

// DeleteChat drops everything cached for chatID.
func (c *Cache) DeleteChat(ctx context.Context, chatID string) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", chatID).Delete(&chatRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", chatID).Delete(&messageRow{}).Error; err != nil {
			return err
		}
		return tx.Where("chat_id = ?", chatID).Delete(&windowRow{}).Error
	})
}
