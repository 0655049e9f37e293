package store

import (
	"sort"
	"sync"
	"time"

	"grimoire/pkg/domain"
)

// MemoryStore keeps records in-process. It is used by tests and mirrors
// the transactional guarantees of GormStore with a single mutex.
type MemoryStore struct {
	mu     sync.Mutex
	users  map[string]domain.User
	email  map[string]string // email -> user ID
	books  map[string]domain.Book
	orders []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]domain.User),
		email: make(map[string]string),
		books: make(map[string]domain.Book),
	}
}

// SaveUser registers a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.email[u.Email]; exists {
		return ErrDuplicateEmail
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.email[email]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// CreateBook stores a new book and tracks insertion order.
func (m *MemoryStore) CreateBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.books {
		if existing.Title == b.Title {
			return ErrDuplicateTitle
		}
	}
	m.orders = append(m.orders, b.ID)
	m.books[b.ID] = cloneBook(b)
	return nil
}

// GetBook retrieves a book by ID.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return domain.Book{}, false, nil
	}
	return cloneBook(b), true, nil
}

// ListBooks returns books in insertion order.
func (m *MemoryStore) ListBooks() ([]domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Book, 0, len(m.orders))
	for _, id := range m.orders {
		if b, ok := m.books[id]; ok {
			res = append(res, cloneBook(b))
		}
	}
	return res, nil
}

// TopRated returns the n best books by average rating, descending.
func (m *MemoryStore) TopRated(n int) ([]domain.Book, error) {
	books, err := m.ListBooks()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(books, func(i, j int) bool {
		a, b := books[i].AverageRating, books[j].AverageRating
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a > *b
		}
	})
	if n > len(books) {
		n = len(books)
	}
	if n < 0 {
		n = 0
	}
	return books[:n], nil
}

// UpdateBookFields applies a partial update.
func (m *MemoryStore) UpdateBookFields(id string, update BookUpdate) (domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	if update.Title != nil && *update.Title != book.Title {
		for otherID, other := range m.books {
			if otherID != id && other.Title == *update.Title {
				return domain.Book{}, ErrDuplicateTitle
			}
		}
		book.Title = *update.Title
	}
	if update.Author != nil {
		book.Author = *update.Author
	}
	if update.Year != nil {
		book.Year = *update.Year
	}
	if update.Genre != nil {
		book.Genre = *update.Genre
	}
	book.UpdatedAt = time.Now().UTC()
	m.books[id] = book
	return cloneBook(book), nil
}

// DeleteBook removes a book.
func (m *MemoryStore) DeleteBook(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[id]; !ok {
		return ErrNotFound
	}
	delete(m.books, id)
	filtered := m.orders[:0]
	for _, item := range m.orders {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.orders = filtered
	return nil
}

// SubmitRating appends a rating and recomputes the average under the
// store mutex, so the duplicate check and the append are atomic.
func (m *MemoryStore) SubmitRating(bookID, raterID string, grade int) (domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[bookID]
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	for _, r := range book.Ratings {
		if r.UserID == raterID {
			return domain.Book{}, ErrDuplicateRating
		}
	}
	book.Ratings = append(book.Ratings, domain.Rating{UserID: raterID, Grade: grade})
	book.AverageRating = AverageOf(book.Ratings)
	book.UpdatedAt = time.Now().UTC()
	m.books[bookID] = book
	return cloneBook(book), nil
}

// SetBookImage publishes the compressed asset.
func (m *MemoryStore) SetBookImage(id, imageURL, imageKey string, meta domain.ImageMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok {
		return ErrNotFound
	}
	book.ImageURL = imageURL
	book.ImageKey = imageKey
	book.ImageStatus = domain.ImageReady
	book.ImageError = ""
	book.ImageMeta = &meta
	book.UpdatedAt = time.Now().UTC()
	m.books[id] = book
	return nil
}

// SetBookImageFailed records a terminal compression failure.
func (m *MemoryStore) SetBookImageFailed(id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok {
		return ErrNotFound
	}
	book.ImageStatus = domain.ImageFailed
	book.ImageError = message
	book.UpdatedAt = time.Now().UTC()
	m.books[id] = book
	return nil
}

// ClearBookOriginal forgets the original-asset key.
func (m *MemoryStore) ClearBookOriginal(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok {
		return ErrNotFound
	}
	book.OriginalKey = ""
	m.books[id] = book
	return nil
}

func cloneBook(b domain.Book) domain.Book {
	out := b
	out.Ratings = append([]domain.Rating(nil), b.Ratings...)
	if b.AverageRating != nil {
		avg := *b.AverageRating
		out.AverageRating = &avg
	}
	if b.ImageMeta != nil {
		meta := *b.ImageMeta
		out.ImageMeta = &meta
	}
	return out
}
