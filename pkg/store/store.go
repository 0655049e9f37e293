package store

import (
	"errors"
	"math"

	"grimoire/pkg/domain"
)

// Sentinel errors surfaced by Store implementations. Driver-level error
// shapes never escape this package.
var (
	ErrNotFound        = errors.New("record not found")
	ErrDuplicateEmail  = errors.New("email already exists")
	ErrDuplicateTitle  = errors.New("title already exists")
	ErrDuplicateRating = errors.New("user already rated this book")
)

// BookUpdate carries the mutable book fields for a partial update.
// Nil fields are left untouched.
type BookUpdate struct {
	Title  *string
	Author *string
	Year   *int
	Genre  *string
}

// Store is the persistence boundary for users and books.
type Store interface {
	SaveUser(u domain.User) error
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)

	CreateBook(b domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	ListBooks() ([]domain.Book, error)
	TopRated(n int) ([]domain.Book, error)
	UpdateBookFields(id string, update BookUpdate) (domain.Book, error)
	DeleteBook(id string) error

	// SubmitRating appends a rating and recomputes the average as one
	// atomic unit serialized per book, so concurrent submissions cannot
	// race the duplicate check or lose an update.
	SubmitRating(bookID, raterID string, grade int) (domain.Book, error)

	// SetBookImage publishes the compressed asset: URL, key, metadata and
	// status ready in a single write.
	SetBookImage(id, imageURL, imageKey string, meta domain.ImageMeta) error
	SetBookImageFailed(id, message string) error
	ClearBookOriginal(id string) error
}

// RoundAverage rounds a mean grade to 2 decimal places, half away from zero.
func RoundAverage(v float64) float64 {
	return math.Round(v*100) / 100
}

// AverageOf computes the rounded mean of the given ratings, or nil when empty.
func AverageOf(ratings []domain.Rating) *float64 {
	if len(ratings) == 0 {
		return nil
	}
	sum := 0
	for _, r := range ratings {
		sum += r.Grade
	}
	avg := RoundAverage(float64(sum) / float64(len(ratings)))
	return &avg
}
