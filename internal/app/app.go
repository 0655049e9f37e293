// Package app implements the application core: account management, the
// book catalog with its rating aggregate, and the cover pipeline.
package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/mail"
	"path/filepath"
	"strings"
	"time"

	"grimoire/internal/util"
	"grimoire/pkg/auth"
	"grimoire/pkg/domain"
	"grimoire/pkg/imaging"
	"grimoire/pkg/queue"
	"grimoire/pkg/storage"
	"grimoire/pkg/store"
)

// TopRatedCount is the size of the best-rated selection.
const TopRatedCount = 3

// CoverQueue enqueues cover-compression work for a saved book.
type CoverQueue interface {
	Enqueue(ctx context.Context, bookID string) (queue.Job, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store             store.Store
	Objects           storage.ObjectStore
	Queue             CoverQueue
	Tokens            *auth.TokenSource
	PublicBaseURL     string
	MaxUploadBytes    int64
	AllowedExtensions []string
}

// App is the core application service wiring together storage, the job
// queue and domain logic.
type App struct {
	store          store.Store
	objects        storage.ObjectStore
	queue          CoverQueue
	tokens         *auth.TokenSource
	publicBaseURL  string
	maxUploadBytes int64
	allowedExts    map[string]struct{}
}

// New constructs the application from pre-built collaborators.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("public base URL required")
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = []string{".jpg", ".jpeg", ".png", ".bmp"}
	}
	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(strings.TrimSpace(ext))] = struct{}{}
	}
	return &App{
		store:          cfg.Store,
		objects:        cfg.Objects,
		queue:          cfg.Queue,
		tokens:         cfg.Tokens,
		publicBaseURL:  base,
		maxUploadBytes: maxUpload,
		allowedExts:    allowed,
	}, nil
}

// MaxUploadBytes is the request size cap for multipart book bodies.
func (a *App) MaxUploadBytes() int64 { return a.maxUploadBytes }

// SignUp registers a new account.
func (a *App) SignUp(email, password string) (domain.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.User{}, err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, validationError("%s", err.Error())
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(user); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return domain.User{}, ErrEmailAlreadyExists
		}
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

// Login validates credentials and issues a bearer token.
func (a *App) Login(email, password string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.tokens.Issue(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue token: %w", err)
	}
	return user, token, nil
}

// VerifyToken resolves a bearer token to the user ID it was issued for.
// A token whose subject no longer resolves to a stored account is invalid.
func (a *App) VerifyToken(token string) (string, error) {
	userID, err := a.tokens.Verify(token)
	if err != nil {
		return "", err
	}
	_, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return "", fmt.Errorf("resolve user: %w", err)
	}
	if !ok {
		return "", auth.ErrInvalidToken
	}
	return userID, nil
}

// CreateBookInput carries a new book plus its cover upload.
type CreateBookInput struct {
	UserID    string
	Title     string
	Author    string
	Year      int
	Genre     string
	Ratings   []domain.Rating
	ImageName string
	Image     io.Reader
	ImageSize int64
}

// CreateBook persists the book with its original cover and queues
// compression. The response carries no imageUrl until the worker
// publishes the compressed asset.
func (a *App) CreateBook(ctx context.Context, in CreateBookInput) (domain.Book, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Book{}, validationError("title is required")
	}
	if strings.TrimSpace(in.Author) == "" {
		return domain.Book{}, validationError("author is required")
	}
	if in.Image == nil || in.ImageName == "" {
		return domain.Book{}, validationError("cover image is required")
	}
	ext := strings.ToLower(filepath.Ext(in.ImageName))
	if _, ok := a.allowedExts[ext]; !ok {
		return domain.Book{}, validationError("unsupported image extension %q", ext)
	}
	if in.ImageSize > a.maxUploadBytes {
		return domain.Book{}, validationError("image exceeds upload limit")
	}
	ratings, err := validateRatings(in.UserID, in.Ratings)
	if err != nil {
		return domain.Book{}, err
	}

	id := util.NewID()
	originalKey := id + ext
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(ctx, originalKey, in.Image, in.ImageSize, contentType); err != nil {
		return domain.Book{}, fmt.Errorf("save cover: %w", err)
	}

	now := time.Now().UTC()
	book := domain.Book{
		ID:            id,
		UserID:        in.UserID,
		Title:         title,
		Author:        strings.TrimSpace(in.Author),
		Year:          in.Year,
		Genre:         strings.TrimSpace(in.Genre),
		OriginalKey:   originalKey,
		ImageStatus:   domain.ImageProcessing,
		Ratings:       ratings,
		AverageRating: store.AverageOf(ratings),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.store.CreateBook(book); err != nil {
		_ = a.objects.Delete(ctx, originalKey)
		if errors.Is(err, store.ErrDuplicateTitle) {
			return domain.Book{}, ErrTitleAlreadyExists
		}
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	if _, err := a.queue.Enqueue(ctx, id); err != nil {
		// the book stays visible in processing state; a requeue sweep or
		// manual retry can pick it up
		slog.Warn("enqueue cover compression", "bookId", id, "error", err)
	}
	return book, nil
}

// GetBook retrieves a book by ID.
func (a *App) GetBook(id string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	return book, nil
}

// ListBooks returns the whole catalog.
func (a *App) ListBooks() ([]domain.Book, error) {
	return a.store.ListBooks()
}

// TopRated returns the best-rated books, highest average first.
func (a *App) TopRated() ([]domain.Book, error) {
	return a.store.TopRated(TopRatedCount)
}

// UpdateBook applies a partial update to a book owned by userID.
func (a *App) UpdateBook(ctx context.Context, id, userID string, update store.BookUpdate) (domain.Book, error) {
	book, err := a.GetBook(id)
	if err != nil {
		return domain.Book{}, err
	}
	if book.UserID != userID {
		return domain.Book{}, ErrIdentityMismatch
	}
	if update.Title != nil && strings.TrimSpace(*update.Title) == "" {
		return domain.Book{}, validationError("title cannot be empty")
	}
	updated, err := a.store.UpdateBookFields(id, update)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return domain.Book{}, ErrNotFound
		case errors.Is(err, store.ErrDuplicateTitle):
			return domain.Book{}, ErrTitleAlreadyExists
		}
		return domain.Book{}, fmt.Errorf("update book: %w", err)
	}
	return updated, nil
}

// DeleteBook removes a book owned by userID. The record goes first; asset
// deletion is best effort so a storage hiccup cannot resurrect the book.
func (a *App) DeleteBook(ctx context.Context, id, userID string) error {
	book, err := a.GetBook(id)
	if err != nil {
		return err
	}
	if book.UserID != userID {
		return ErrIdentityMismatch
	}
	if err := a.store.DeleteBook(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete book: %w", err)
	}
	for _, key := range []string{book.ImageKey, book.OriginalKey} {
		if key == "" {
			continue
		}
		if err := a.objects.Delete(ctx, key); err != nil {
			slog.Warn("delete cover asset", "bookId", id, "key", key, "error", err)
		}
	}
	return nil
}

// SubmitRating records raterID's grade for a book and returns the book
// with its refreshed average.
func (a *App) SubmitRating(ctx context.Context, bookID, raterID string, grade int) (domain.Book, error) {
	if grade < domain.GradeMin || grade > domain.GradeMax {
		return domain.Book{}, validationError("grade must be between %d and %d", domain.GradeMin, domain.GradeMax)
	}
	book, err := a.store.SubmitRating(bookID, raterID, grade)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return domain.Book{}, ErrNotFound
		case errors.Is(err, store.ErrDuplicateRating):
			return domain.Book{}, ErrDuplicateRating
		}
		return domain.Book{}, fmt.Errorf("submit rating: %w", err)
	}
	return book, nil
}

// OpenImage streams a stored cover asset for the static image handler.
func (a *App) OpenImage(ctx context.Context, key string) (io.ReadCloser, error) {
	return a.objects.Get(ctx, key)
}

// ProcessCoverJob normalizes the original cover, publishes the compressed
// asset and retires the original. Returned errors requeue the job.
func (a *App) ProcessCoverJob(ctx context.Context, job queue.Job) error {
	book, ok, err := a.store.GetBook(job.BookID)
	if err != nil {
		return fmt.Errorf("fetch book: %w", err)
	}
	if !ok || book.OriginalKey == "" {
		// book deleted while queued; nothing to do
		return nil
	}
	if book.ImageStatus == domain.ImageReady {
		return nil
	}

	original, err := a.objects.Get(ctx, book.OriginalKey)
	if err != nil {
		return fmt.Errorf("fetch original cover: %w", err)
	}
	defer original.Close()

	ext := strings.ToLower(filepath.Ext(book.OriginalKey))
	data, width, height, err := imaging.Normalize(original, ext)
	if err != nil {
		return fmt.Errorf("normalize cover: %w", err)
	}

	compressedKey := "compressed_" + book.OriginalKey
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(ctx, compressedKey, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return fmt.Errorf("save compressed cover: %w", err)
	}

	meta := domain.ImageMeta{
		OriginalName: filepath.Base(book.OriginalKey),
		Width:        width,
		Height:       height,
		SizeBytes:    int64(len(data)),
	}
	imageURL := a.publicBaseURL + "/images/" + compressedKey
	if err := a.store.SetBookImage(book.ID, imageURL, compressedKey, meta); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// book deleted while compression was in flight; reclaim the assets
			for _, key := range []string{compressedKey, book.OriginalKey} {
				if derr := a.objects.Delete(ctx, key); derr != nil {
					slog.Warn("reclaim cover asset", "bookId", book.ID, "key", key, "error", derr)
				}
			}
			return nil
		}
		return fmt.Errorf("publish cover: %w", err)
	}

	if err := a.objects.Delete(ctx, book.OriginalKey); err != nil {
		slog.Warn("delete original cover", "bookId", book.ID, "key", book.OriginalKey, "error", err)
	} else if err := a.store.ClearBookOriginal(book.ID); err != nil {
		slog.Warn("clear original cover key", "bookId", book.ID, "error", err)
	}
	return nil
}

// FailCover marks the book's cover pipeline as terminally failed. The
// original upload is retained for inspection.
func (a *App) FailCover(ctx context.Context, job queue.Job, cause error) {
	msg := "cover processing failed"
	if cause != nil {
		msg = cause.Error()
	}
	if err := a.store.SetBookImageFailed(job.BookID, msg); err != nil {
		slog.Warn("mark cover failed", "bookId", job.BookID, "error", err)
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", validationError("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", validationError("malformed email address")
	}
	at := strings.LastIndex(email, "@")
	if !strings.Contains(email[at+1:], ".") {
		return "", validationError("malformed email address")
	}
	return email, nil
}

func validateRatings(ownerID string, ratings []domain.Rating) ([]domain.Rating, error) {
	if len(ratings) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(ratings))
	out := make([]domain.Rating, 0, len(ratings))
	for _, r := range ratings {
		userID := strings.TrimSpace(r.UserID)
		if userID == "" {
			userID = ownerID
		}
		if _, dup := seen[userID]; dup {
			return nil, validationError("duplicate rater %s in initial ratings", userID)
		}
		if r.Grade < domain.GradeMin || r.Grade > domain.GradeMax {
			return nil, validationError("grade must be between %d and %d", domain.GradeMin, domain.GradeMax)
		}
		seen[userID] = struct{}{}
		out = append(out, domain.Rating{UserID: userID, Grade: r.Grade})
	}
	return out, nil
}
