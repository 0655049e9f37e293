package domain

import "time"

// ImageStatus tracks the lifecycle of a book's cover asset.
type ImageStatus string

const (
	ImageProcessing ImageStatus = "processing"
	ImageReady      ImageStatus = "ready"
	ImageFailed     ImageStatus = "failed"
)

// GradeMin and GradeMax bound an accepted rating grade.
const (
	GradeMin = 0
	GradeMax = 5
)

type User struct {
	ID           string    `json:"userId"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Rating is a single user's grade for one book. There is at most one
// rating per (book, user) pair.
type Rating struct {
	UserID string `json:"userId"`
	Grade  int    `json:"grade"`
}

type Book struct {
	ID            string      `json:"id"`
	UserID        string      `json:"userId"`
	Title         string      `json:"title"`
	Author        string      `json:"author"`
	Year          int         `json:"year"`
	Genre         string      `json:"genre"`
	ImageURL      string      `json:"imageUrl"`
	ImageKey      string      `json:"-"`
	OriginalKey   string      `json:"-"`
	ImageStatus   ImageStatus `json:"imageStatus"`
	ImageError    string      `json:"imageError,omitempty"`
	ImageMeta     *ImageMeta  `json:"imageMeta,omitempty"`
	Ratings       []Rating    `json:"ratings"`
	AverageRating *float64    `json:"averageRating"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// ImageMeta describes the stored cover asset. It is recorded by the
// compression worker once the normalized asset exists.
type ImageMeta struct {
	OriginalName string `json:"originalName"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	SizeBytes    int64  `json:"sizeBytes"`
}
