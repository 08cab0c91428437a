package database

import (
	"time"

	"gorm.io/gorm"
)

// Subscriber is a provisioned PTT terminal
type Subscriber struct {
	ID        uint32     `gorm:"primarykey;autoIncrement:false" json:"id"`
	Alias     string     `gorm:"size:50" json:"alias"`
	LastAddr  string     `gorm:"size:64" json:"last_addr"`
	LastSeen  *time.Time `json:"last_seen"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName specifies the table name for Subscriber
func (Subscriber) TableName() string {
	return "subscribers"
}

// TalkGroup is a provisioned group
type TalkGroup struct {
	ID        uint32    `gorm:"primarykey;autoIncrement:false" json:"id"`
	Name      string    `gorm:"size:50" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for TalkGroup
func (TalkGroup) TableName() string {
	return "talk_groups"
}

// Membership links a subscriber to a talk-group
type Membership struct {
	SubscriberID uint32    `gorm:"primaryKey;autoIncrement:false" json:"subscriber_id"`
	TalkGroupID  uint32    `gorm:"primaryKey;autoIncrement:false;index" json:"talk_group_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName specifies the table name for Membership
func (Membership) TableName() string {
	return "memberships"
}

// BeforeCreate hook to ensure CreatedAt is set
func (m *Membership) BeforeCreate(tx *gorm.DB) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return nil
}

// DisplayName returns the alias, or the numeric id when none is set
func (s *Subscriber) DisplayName() string {
	if s.Alias != "" {
		return s.Alias
	}
	return formatID(s.ID)
}

// DisplayName returns the group name, or the numeric id when none is set
func (g *TalkGroup) DisplayName() string {
	if g.Name != "" {
		return g.Name
	}
	return formatID(g.ID)
}
