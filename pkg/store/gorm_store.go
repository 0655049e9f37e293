package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"grimoire/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &BookModel{}, &RatingModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveUser registers a user. Duplicate emails map to ErrDuplicateEmail.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateEmail
		}
		return err
	}
	return nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateBook inserts a book together with any initial ratings.
// Duplicate titles map to ErrDuplicateTitle.
func (s *GormStore) CreateBook(b domain.Book) error {
	model := bookToModel(b)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateTitle
		}
		return err
	}
	return nil
}

// GetBook retrieves a book with its ratings.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.Preload("Ratings").First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooks returns all books ordered by created_at.
func (s *GormStore) ListBooks() ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.Preload("Ratings").Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return booksFromModels(models), nil
}

// TopRated returns the n best books by average rating, descending.
// Unrated books sort last.
func (s *GormStore) TopRated(n int) ([]domain.Book, error) {
	if n <= 0 {
		return []domain.Book{}, nil
	}
	var models []BookModel
	if err := s.db.Preload("Ratings").
		Order("average_rating DESC NULLS LAST").
		Order("created_at ASC").
		Limit(n).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return booksFromModels(models), nil
}

// UpdateBookFields applies a partial update and returns the new record.
func (s *GormStore) UpdateBookFields(id string, update BookUpdate) (domain.Book, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if update.Title != nil {
		updates["title"] = *update.Title
	}
	if update.Author != nil {
		updates["author"] = *update.Author
	}
	if update.Year != nil {
		updates["year"] = *update.Year
	}
	if update.Genre != nil {
		updates["genre"] = *update.Genre
	}
	res := s.db.Model(&BookModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return domain.Book{}, ErrDuplicateTitle
		}
		return domain.Book{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Book{}, ErrNotFound
	}
	book, ok, err := s.GetBook(id)
	if err != nil {
		return domain.Book{}, err
	}
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	return book, nil
}

// DeleteBook removes the book; ratings go with it in the same transaction.
func (s *GormStore) DeleteBook(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&RatingModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&BookModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SubmitRating appends a rating and recomputes the average inside one
// transaction. The book row is locked FOR UPDATE so concurrent submissions
// for the same book serialize, and the unique (book_id, rater_id) index
// makes the duplicate check atomic with the insert.
func (s *GormStore) SubmitRating(bookID, raterID string, grade int) (domain.Book, error) {
	var out domain.Book
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model BookModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", bookID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		rating := RatingModel{
			BookID:    bookID,
			RaterID:   raterID,
			Grade:     grade,
			CreatedAt: time.Now().UTC(),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rating)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrDuplicateRating
		}
		var avg float64
		if err := tx.Model(&RatingModel{}).
			Where("book_id = ?", bookID).
			Select("AVG(grade)").
			Scan(&avg).Error; err != nil {
			return err
		}
		rounded := RoundAverage(avg)
		if err := tx.Model(&BookModel{}).Where("id = ?", bookID).Updates(map[string]any{
			"average_rating": rounded,
			"updated_at":     time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		var updated BookModel
		if err := tx.Preload("Ratings").First(&updated, "id = ?", bookID).Error; err != nil {
			return err
		}
		out = bookFromModel(updated)
		return nil
	})
	if err != nil {
		return domain.Book{}, err
	}
	return out, nil
}

// SetBookImage publishes the compressed asset in a single write.
func (s *GormStore) SetBookImage(id, imageURL, imageKey string, meta domain.ImageMeta) error {
	rawMeta, _ := json.Marshal(meta)
	res := s.db.Model(&BookModel{}).Where("id = ?", id).Updates(map[string]any{
		"image_url":    imageURL,
		"image_key":    imageKey,
		"image_status": string(domain.ImageReady),
		"image_error":  "",
		"image_meta":   rawMeta,
		"updated_at":   time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBookImageFailed records a terminal compression failure.
func (s *GormStore) SetBookImageFailed(id, message string) error {
	res := s.db.Model(&BookModel{}).Where("id = ?", id).Updates(map[string]any{
		"image_status": string(domain.ImageFailed),
		"image_error":  message,
		"updated_at":   time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearBookOriginal forgets the original-asset key once it has been reclaimed.
func (s *GormStore) ClearBookOriginal(id string) error {
	return s.db.Model(&BookModel{}).Where("id = ?", id).
		Update("original_key", "").Error
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	ratings := make([]RatingModel, 0, len(b.Ratings))
	for _, r := range b.Ratings {
		ratings = append(ratings, RatingModel{
			BookID:    b.ID,
			RaterID:   r.UserID,
			Grade:     r.Grade,
			CreatedAt: b.CreatedAt,
		})
	}
	var rawMeta datatypes.JSON
	if b.ImageMeta != nil {
		rawMeta, _ = json.Marshal(b.ImageMeta)
	}
	return BookModel{
		ID:            b.ID,
		OwnerID:       b.UserID,
		Title:         b.Title,
		Author:        b.Author,
		Year:          b.Year,
		Genre:         b.Genre,
		ImageURL:      b.ImageURL,
		ImageKey:      b.ImageKey,
		OriginalKey:   b.OriginalKey,
		ImageStatus:   string(b.ImageStatus),
		ImageError:    b.ImageError,
		ImageMeta:     rawMeta,
		AverageRating: b.AverageRating,
		Ratings:       ratings,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	ratings := make([]domain.Rating, 0, len(m.Ratings))
	for _, r := range m.Ratings {
		ratings = append(ratings, domain.Rating{UserID: r.RaterID, Grade: r.Grade})
	}
	var meta *domain.ImageMeta
	if len(m.ImageMeta) > 0 {
		var decoded domain.ImageMeta
		if err := json.Unmarshal(m.ImageMeta, &decoded); err == nil {
			meta = &decoded
		}
	}
	return domain.Book{
		ID:            m.ID,
		UserID:        m.OwnerID,
		Title:         m.Title,
		Author:        m.Author,
		Year:          m.Year,
		Genre:         m.Genre,
		ImageURL:      m.ImageURL,
		ImageKey:      m.ImageKey,
		OriginalKey:   m.OriginalKey,
		ImageStatus:   domain.ImageStatus(m.ImageStatus),
		ImageError:    m.ImageError,
		ImageMeta:     meta,
		Ratings:       ratings,
		AverageRating: m.AverageRating,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func booksFromModels(models []BookModel) []domain.Book {
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res
}
