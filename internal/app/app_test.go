package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"testing"

	"grimoire/pkg/auth"
	"grimoire/pkg/domain"
	"grimoire/pkg/queue"
	"grimoire/pkg/storage"
	"grimoire/pkg/store"
)

// syncQueue runs jobs inline so tests observe the published cover
// without a Redis round trip.
type syncQueue struct {
	app      *App
	enqueued []string
	fail     bool
}

func (q *syncQueue) Enqueue(ctx context.Context, bookID string) (queue.Job, error) {
	q.enqueued = append(q.enqueued, bookID)
	job := queue.Job{ID: "job-" + bookID, BookID: bookID, Attempts: 1}
	if q.app != nil {
		if err := q.app.ProcessCoverJob(ctx, job); err != nil {
			if q.fail {
				q.app.FailCover(ctx, job, err)
			}
			return job, nil
		}
	}
	return job, nil
}

func newTestApp(t *testing.T) (*App, *store.MemoryStore, storage.ObjectStore, *syncQueue) {
	t.Helper()

	st := store.NewMemoryStore()
	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	tokens, err := auth.NewTokenSource("test-secret-test-secret", 0)
	if err != nil {
		t.Fatalf("token source: %v", err)
	}
	q := &syncQueue{}
	a, err := New(Config{
		Store:         st,
		Objects:       objects,
		Queue:         q,
		Tokens:        tokens,
		PublicBaseURL: "http://localhost:4000/",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	q.app = a
	return a, st, objects, q
}

func pngUpload(t *testing.T, w, h int) *bytes.Reader {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 10 {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return bytes.NewReader(buf.Bytes())
}

func createBook(t *testing.T, a *App, userID, title string) domain.Book {
	t.Helper()
	upload := pngUpload(t, 1200, 900)
	book, err := a.CreateBook(context.Background(), CreateBookInput{
		UserID:    userID,
		Title:     title,
		Author:    "Sophie Germain",
		Year:      1831,
		Genre:     "Mathematics",
		ImageName: "cover.png",
		Image:     upload,
		ImageSize: int64(upload.Len()),
	})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	return book
}

func TestSignUpAndLogin(t *testing.T) {
	a, _, _, _ := newTestApp(t)

	user, err := a.SignUp("Reader@Example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if user.Email != "reader@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}

	if _, err := a.SignUp("reader@example.com", "another password"); !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("duplicate signup err = %v", err)
	}

	got, token, err := a.Login("reader@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID || token == "" {
		t.Fatalf("unexpected login result: %+v token=%q", got, token)
	}
	userID, err := a.VerifyToken(token)
	if err != nil || userID != user.ID {
		t.Fatalf("verify token: id=%q err=%v", userID, err)
	}

	if _, _, err := a.Login("reader@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password err = %v", err)
	}
	if _, _, err := a.Login("nobody@example.com", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user err = %v", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	a, _, _, _ := newTestApp(t)

	cases := []struct {
		email, password string
	}{
		{"", "long enough password"},
		{"not-an-email", "long enough password"},
		{"user@nodot", "long enough password"},
		{"user@example.com", "short"},
	}
	for _, tc := range cases {
		if _, err := a.SignUp(tc.email, tc.password); !errors.Is(err, ErrValidation) {
			t.Fatalf("SignUp(%q, %q) err = %v, want validation error", tc.email, tc.password, err)
		}
	}
}

func TestCreateBookPublishesCompressedCover(t *testing.T) {
	a, _, objects, q := newTestApp(t)

	book := createBook(t, a, "user-1", "A Book of Covers")
	if book.ImageStatus != domain.ImageProcessing {
		t.Fatalf("status at creation = %q, want processing", book.ImageStatus)
	}
	if book.ImageURL != "" {
		t.Fatalf("imageUrl at creation = %q, want empty", book.ImageURL)
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != book.ID {
		t.Fatalf("enqueued = %v", q.enqueued)
	}

	// syncQueue ran the worker inline
	got, err := a.GetBook(book.ID)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if got.ImageStatus != domain.ImageReady {
		t.Fatalf("status after worker = %q, want ready", got.ImageStatus)
	}
	wantURL := "http://localhost:4000/images/compressed_" + book.ID + ".png"
	if got.ImageURL != wantURL {
		t.Fatalf("imageUrl = %q, want %q", got.ImageURL, wantURL)
	}
	if got.OriginalKey != "" {
		t.Fatalf("original key should be cleared, got %q", got.OriginalKey)
	}
	if got.ImageMeta == nil {
		t.Fatalf("imageMeta missing after worker")
	}
	if got.ImageMeta.Width != 800 || got.ImageMeta.Height != 600 || got.ImageMeta.SizeBytes <= 0 {
		t.Fatalf("imageMeta = %+v, want 800x600 with a size", got.ImageMeta)
	}

	ctx := context.Background()
	exists, err := objects.Exists(ctx, got.ImageKey)
	if err != nil || !exists {
		t.Fatalf("compressed asset missing: exists=%v err=%v", exists, err)
	}
	if exists, _ := objects.Exists(ctx, book.ID+".png"); exists {
		t.Fatalf("original asset should be deleted")
	}
}

func TestCreateBookValidation(t *testing.T) {
	a, _, _, _ := newTestApp(t)
	ctx := context.Background()

	upload := pngUpload(t, 20, 20)
	if _, err := a.CreateBook(ctx, CreateBookInput{UserID: "u", Author: "A", ImageName: "c.png", Image: upload, ImageSize: 1}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing title err = %v", err)
	}
	if _, err := a.CreateBook(ctx, CreateBookInput{UserID: "u", Title: "T", Author: "A", ImageName: "c.gif", Image: upload, ImageSize: 1}); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad extension err = %v", err)
	}
	if _, err := a.CreateBook(ctx, CreateBookInput{UserID: "u", Title: "T", Author: "A"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing image err = %v", err)
	}
	if _, err := a.CreateBook(ctx, CreateBookInput{
		UserID: "u", Title: "T", Author: "A", ImageName: "c.png", Image: upload, ImageSize: 1,
		Ratings: []domain.Rating{{UserID: "u", Grade: 9}},
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("out-of-range initial grade err = %v", err)
	}

	createBook(t, a, "user-1", "Unique Title")
	upload = pngUpload(t, 20, 20)
	if _, err := a.CreateBook(ctx, CreateBookInput{
		UserID: "user-2", Title: "Unique Title", Author: "A",
		ImageName: "c.png", Image: upload, ImageSize: int64(upload.Len()),
	}); !errors.Is(err, ErrTitleAlreadyExists) {
		t.Fatalf("duplicate title err = %v", err)
	}
}

func TestCreateBookWithInitialRating(t *testing.T) {
	a, _, _, _ := newTestApp(t)

	upload := pngUpload(t, 40, 40)
	book, err := a.CreateBook(context.Background(), CreateBookInput{
		UserID: "user-1", Title: "Rated at Birth", Author: "A",
		ImageName: "c.png", Image: upload, ImageSize: int64(upload.Len()),
		Ratings: []domain.Rating{{Grade: 4}},
	})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	if len(book.Ratings) != 1 || book.Ratings[0].UserID != "user-1" {
		t.Fatalf("initial ratings = %+v, want owner attributed", book.Ratings)
	}
	if book.AverageRating == nil || *book.AverageRating != 4 {
		t.Fatalf("averageRating = %v, want 4", book.AverageRating)
	}
}

func TestSubmitRating(t *testing.T) {
	a, _, _, _ := newTestApp(t)
	book := createBook(t, a, "user-1", "Graded")
	ctx := context.Background()

	got, err := a.SubmitRating(ctx, book.ID, "rater-1", 5)
	if err != nil {
		t.Fatalf("submit rating: %v", err)
	}
	if got.AverageRating == nil || *got.AverageRating != 5 {
		t.Fatalf("average = %v, want 5", got.AverageRating)
	}

	got, err = a.SubmitRating(ctx, book.ID, "rater-2", 2)
	if err != nil {
		t.Fatalf("submit second rating: %v", err)
	}
	if *got.AverageRating != 3.5 {
		t.Fatalf("average = %v, want 3.5", *got.AverageRating)
	}

	if _, err := a.SubmitRating(ctx, book.ID, "rater-1", 1); !errors.Is(err, ErrDuplicateRating) {
		t.Fatalf("duplicate rating err = %v", err)
	}
	if _, err := a.SubmitRating(ctx, book.ID, "rater-3", 6); !errors.Is(err, ErrValidation) {
		t.Fatalf("out-of-range grade err = %v", err)
	}
	if _, err := a.SubmitRating(ctx, "missing", "rater-3", 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing book err = %v", err)
	}
}

func TestUpdateBookOwnership(t *testing.T) {
	a, _, _, _ := newTestApp(t)
	book := createBook(t, a, "user-1", "Before")
	ctx := context.Background()

	title := "After"
	updated, err := a.UpdateBook(ctx, book.ID, "user-1", store.BookUpdate{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "After" {
		t.Fatalf("title = %q, want After", updated.Title)
	}

	if _, err := a.UpdateBook(ctx, book.ID, "user-2", store.BookUpdate{Title: &title}); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("foreign update err = %v", err)
	}
}

func TestDeleteBookRemovesAssets(t *testing.T) {
	a, _, objects, _ := newTestApp(t)
	book := createBook(t, a, "user-1", "Doomed")
	ctx := context.Background()

	ready, err := a.GetBook(book.ID)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}

	if err := a.DeleteBook(ctx, book.ID, "user-2"); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("foreign delete err = %v", err)
	}
	if err := a.DeleteBook(ctx, book.ID, "user-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := a.GetBook(book.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete err = %v", err)
	}
	if exists, _ := objects.Exists(ctx, ready.ImageKey); exists {
		t.Fatalf("compressed asset should be removed")
	}
	if err := a.DeleteBook(ctx, book.ID, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete err = %v", err)
	}
}

// deleteOnGet removes the book record the moment the worker reads the
// original upload, modelling a delete racing an in-flight compression.
type deleteOnGet struct {
	storage.ObjectStore
	hook func()
}

func (d *deleteOnGet) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := d.ObjectStore.Get(ctx, key)
	if err == nil && d.hook != nil {
		hook := d.hook
		d.hook = nil
		hook()
	}
	return rc, err
}

func TestProcessCoverJobAfterDeleteLeavesNoAssets(t *testing.T) {
	st := store.NewMemoryStore()
	base, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	objects := &deleteOnGet{ObjectStore: base}
	tokens, err := auth.NewTokenSource("test-secret-test-secret", 0)
	if err != nil {
		t.Fatalf("token source: %v", err)
	}
	// queue only records, so the book stays in processing until the
	// worker runs below
	a, err := New(Config{
		Store:         st,
		Objects:       objects,
		Queue:         &syncQueue{},
		Tokens:        tokens,
		PublicBaseURL: "http://localhost:4000/",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	book := createBook(t, a, "user-1", "Vanishing")
	ctx := context.Background()
	objects.hook = func() {
		if err := a.DeleteBook(ctx, book.ID, "user-1"); err != nil {
			t.Errorf("delete during compression: %v", err)
		}
	}

	job := queue.Job{ID: "job-" + book.ID, BookID: book.ID, Attempts: 1}
	if err := a.ProcessCoverJob(ctx, job); err != nil {
		t.Fatalf("worker err = %v, want nil for deleted book", err)
	}

	if _, err := a.GetBook(book.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("book should stay deleted, err = %v", err)
	}
	if exists, _ := base.Exists(ctx, "compressed_"+book.ID+".png"); exists {
		t.Fatalf("compressed asset should be reclaimed")
	}
	if exists, _ := base.Exists(ctx, book.ID+".png"); exists {
		t.Fatalf("original asset should be reclaimed")
	}
}

func TestFailCoverMarksBook(t *testing.T) {
	a, st, objects, q := newTestApp(t)
	q.fail = true
	ctx := context.Background()

	// corrupt upload: declared png, not decodable
	bad := bytes.NewReader([]byte("not an image at all"))
	book, err := a.CreateBook(ctx, CreateBookInput{
		UserID: "user-1", Title: "Broken Cover", Author: "A",
		ImageName: "c.png", Image: bad, ImageSize: int64(bad.Len()),
	})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}

	got, _, err := st.GetBook(book.ID)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if got.ImageStatus != domain.ImageFailed {
		t.Fatalf("status = %q, want failed", got.ImageStatus)
	}
	if got.ImageError == "" {
		t.Fatalf("expected failure message")
	}
	// original upload retained for inspection
	if exists, _ := objects.Exists(ctx, book.ID+".png"); !exists {
		t.Fatalf("original should be retained on failure")
	}
}

func TestTopRatedReturnsThree(t *testing.T) {
	a, _, _, _ := newTestApp(t)
	ctx := context.Background()

	grades := map[string]int{"One": 2, "Two": 5, "Three": 3, "Four": 4}
	for title, grade := range grades {
		book := createBook(t, a, "user-1", title)
		if _, err := a.SubmitRating(ctx, book.ID, "rater-x", grade); err != nil {
			t.Fatalf("rate %s: %v", title, err)
		}
	}

	top, err := a.TopRated()
	if err != nil {
		t.Fatalf("top rated: %v", err)
	}
	if len(top) != 3 {
		t.Fatalf("len(top) = %d, want 3", len(top))
	}
	wantOrder := []string{"Two", "Four", "Three"}
	for i, want := range wantOrder {
		if top[i].Title != want {
			t.Fatalf("top[%d] = %q, want %q", i, top[i].Title, want)
		}
	}
}

func TestOpenImageStreamsAsset(t *testing.T) {
	a, _, _, _ := newTestApp(t)
	book := createBook(t, a, "user-1", "Streamable")

	ready, err := a.GetBook(book.ID)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	rc, err := a.OpenImage(context.Background(), ready.ImageKey)
	if err != nil {
		t.Fatalf("open image: %v", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		t.Fatalf("read image: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("empty image stream")
	}
	if !strings.HasSuffix(ready.ImageKey, ".png") {
		t.Fatalf("unexpected key %q", ready.ImageKey)
	}
}
