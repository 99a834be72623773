package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

type trackingConfigModel struct {
	ID               int64      `gorm:"primaryKey;autoIncrement"`
	UserID           string     `gorm:"size:128;not null;uniqueIndex:uniq_tracking,priority:1;index:idx_tracking_user"`
	Engine           string     `gorm:"size:32;not null;uniqueIndex:uniq_tracking,priority:2"`
	Market           string     `gorm:"size:32;not null;uniqueIndex:uniq_tracking,priority:3"`
	Code             string     `gorm:"size:64;not null;uniqueIndex:uniq_tracking,priority:4"`
	IntervalCode     int        `gorm:"not null;uniqueIndex:uniq_tracking,priority:5"`
	Depth            int        `gorm:"not null;uniqueIndex:uniq_tracking,priority:6"`
	MaxUpdateRateSec int64      `gorm:"not null"`
	Sequence         int        `gorm:"not null;default:0"`
	LastFetchAt      *time.Time `gorm:"default:null"`
	LastOutcome      string     `gorm:"size:16;not null;default:unknown"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (trackingConfigModel) TableName() string { return "tracking_configs" }

type fetchFailureModel struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	Engine       string    `gorm:"size:32;not null"`
	Market       string    `gorm:"size:32;not null"`
	Code         string    `gorm:"size:64;not null"`
	IntervalCode int       `gorm:"not null"`
	Source       string    `gorm:"size:32"`
	Kind         string    `gorm:"size:32;index"`
	Status       int       `gorm:"default:0"`
	Message      string    `gorm:"size:1024"`
	At           time.Time `gorm:"column:occurred_at;index"`
}

func (fetchFailureModel) TableName() string { return "fetch_failures" }

type returnTaskModel struct {
	ID         string         `gorm:"primaryKey;size:36"`
	State      string         `gorm:"size:16;not null;index"`
	Reason     string         `gorm:"size:64"`
	Params     datatypes.JSON `gorm:"type:json"`
	Longs      datatypes.JSON `gorm:"type:json"`
	Shorts     datatypes.JSON `gorm:"type:json"`
	CreatedAt  time.Time
	StartedAt  *time.Time `gorm:"default:null"`
	FinishedAt *time.Time `gorm:"index;default:null"`
}

func (returnTaskModel) TableName() string { return "return_tasks" }
