package domain

import "time"

// Room is a read-side mirror of group metadata owned by the chat
// application. The delivery plane only needs membership for addressing
// and fan-out, so rows are ingested, never authored, here.
type Room struct {
	ID        RoomID    `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"type:text;not null" json:"name"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"-"`
}

func (Room) TableName() string { return "rooms" }

type RoomMember struct {
	RoomID   RoomID    `gorm:"type:uuid;primaryKey" json:"roomId"`
	UserID   UserID    `gorm:"type:uuid;primaryKey;index" json:"userId"`
	Role     string    `gorm:"type:text;not null;default:member" json:"role"`
	JoinedAt time.Time `gorm:"not null;autoCreateTime" json:"joinedAt"`
}

func (RoomMember) TableName() string { return "room_members" }
