package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/parlor-chat/parlor/internal/domain"
)

type IdentityStore struct{ db *gorm.DB }

func (s *Store) Identities() *IdentityStore { return &IdentityStore{db: s.DB} }

// Ensure records the identity key on first registration. First writer
// wins: a conflicting later write is a no-op and Ensure reports whether
// this call installed the row.
func (i *IdentityStore) Ensure(ctx context.Context, identity *domain.UserIdentity) (bool, error) {
	tx := i.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(identity)
	return tx.RowsAffected > 0, tx.Error
}

func (i *IdentityStore) Get(ctx context.Context, userID uuid.UUID) (*domain.UserIdentity, error) {
	var identity domain.UserIdentity
	if err := i.db.WithContext(ctx).First(&identity, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &identity, nil
}
