package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/parlor-chat/parlor/internal/domain"
)

type RoomStore struct{ db *gorm.DB }

func (s *Store) Rooms() *RoomStore { return &RoomStore{db: s.DB} }

func (r *RoomStore) Upsert(ctx context.Context, room *domain.Room) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
		}).
		Create(room).Error
}

// ReplaceMembers swaps the full membership of a room. The mirror is
// ingested wholesale from the chat application, so partial edits are
// not worth modelling.
func (r *RoomStore) ReplaceMembers(ctx context.Context, roomID uuid.UUID, members []domain.RoomMember) error {
	if err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Delete(&domain.RoomMember{}).Error; err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&members).Error
}

func (r *RoomStore) Exists(ctx context.Context, roomID uuid.UUID) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&domain.Room{}).
		Where("id = ?", roomID).
		Count(&n).Error
	return n > 0, err
}

func (r *RoomStore) IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&domain.RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&n).Error
	return n > 0, err
}

func (r *RoomStore) MemberIDs(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&domain.RoomMember{}).
		Where("room_id = ?", roomID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

// CohortOf lists the distinct users who share at least one room with
// the subject, excluding the subject. This is the audience for the
// subject's presence transitions.
func (r *RoomStore) CohortOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&domain.RoomMember{}).
		Distinct("user_id").
		Where("user_id <> ?", userID).
		Where("room_id IN (?)", r.db.Model(&domain.RoomMember{}).
			Select("room_id").
			Where("user_id = ?", userID)).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}
