package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/parlor-chat/parlor/internal/domain"
)

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{DB: db} }

func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}

// AutoMigrate creates or updates the schema for every persisted model.
// Shared by service mains and test setup so the model list lives in one
// place.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.UserIdentity{},
		&domain.Device{},
		&domain.OneTimePreKey{},
		&domain.MessageEnvelope{},
		&domain.RecipientStatus{},
		&domain.Room{},
		&domain.RoomMember{},
	)
}
