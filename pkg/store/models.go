package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type BookModel struct {
	ID            string `gorm:"primaryKey"`
	OwnerID       string `gorm:"not null;index"`
	Title         string `gorm:"uniqueIndex;not null"`
	Author        string
	Year          int
	Genre         string
	ImageURL      string
	ImageKey      string
	OriginalKey   string
	ImageStatus   string `gorm:"not null"`
	ImageError    string
	ImageMeta     datatypes.JSON `gorm:"type:jsonb"`
	AverageRating *float64
	Ratings       []RatingModel `gorm:"foreignKey:BookID;constraint:OnDelete:CASCADE"`
	CreatedAt     time.Time     `gorm:"not null"`
	UpdatedAt     time.Time     `gorm:"not null"`
}

type RatingModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	BookID    string    `gorm:"not null;uniqueIndex:idx_book_rater"`
	RaterID   string    `gorm:"not null;uniqueIndex:idx_book_rater"`
	Grade     int       `gorm:"not null;check:grade >= 0 AND grade <= 5"`
	CreatedAt time.Time `gorm:"not null"`
}
