// Package server exposes the HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"grimoire/internal/app"
	"grimoire/internal/ratelimit"
	"grimoire/internal/util"
	"grimoire/pkg/domain"
	"grimoire/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App         *app.App
	AuthLimiter *ratelimit.FixedWindowLimiter
}

// Server exposes the catalog endpoints.
type Server struct {
	app         *app.App
	authLimiter *ratelimit.FixedWindowLimiter
	mux         *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app:         cfg.App,
		authLimiter: cfg.AuthLimiter,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/api/auth/signup", s.withAuthLimit(s.handleSignup))
	s.mux.Handle("/api/auth/login", s.withAuthLimit(s.handleLogin))

	s.mux.HandleFunc("/api/books", s.handleBooks)
	s.mux.HandleFunc("/api/books/", s.handleBookSubtree)

	s.mux.HandleFunc("/images/", s.handleImage)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withAuthLimit throttles credential endpoints per client IP.
func (s *Server) withAuthLimit(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authLimiter != nil && !s.authLimiter.Allow(r.Context(), util.ClientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next(w, r)
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// withUser resolves the bearer token to a user ID. A missing header is a
// malformed request; a present but unverifiable token is rejected as
// invalid credentials.
func (s *Server) withUser(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "authorization required")
			return
		}
		userID, err := s.app.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid or expired token")
			return
		}
		next(w, r, userID)
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.SignUp(req.Email, req.Password)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"userId":  user.ID,
		"message": "user created",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"userId": user.ID,
		"token":  token,
	})
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListBooks(w)
	case http.MethodPost:
		s.withUser(s.handleCreateBook)(w, r)
	default:
		methodNotAllowed(w)
	}
}

// /api/books/bestrating, /api/books/{id}, /api/books/{id}/rating
func (s *Server) handleBookSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/books/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if id == "bestrating" && len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleBestRating(w)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "rating" {
			notFound(w, "not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.withUser(func(w http.ResponseWriter, r *http.Request, userID string) {
			s.handleRateBook(w, r, userID, id)
		})(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetBook(w, id)
	case http.MethodPut:
		s.withUser(func(w http.ResponseWriter, r *http.Request, userID string) {
			s.handleUpdateBook(w, r, userID, id)
		})(w, r)
	case http.MethodDelete:
		s.withUser(func(w http.ResponseWriter, r *http.Request, userID string) {
			s.handleDeleteBook(w, r, userID, id)
		})(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListBooks(w http.ResponseWriter) {
	books, err := s.app.ListBooks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleBestRating(w http.ResponseWriter) {
	books, err := s.app.TopRated()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleGetBook(w http.ResponseWriter, id string) {
	book, err := s.app.GetBook(id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// bookPayload is the JSON document carried in the multipart "book" field.
type bookPayload struct {
	UserID  string          `json:"userId"`
	Title   string          `json:"title"`
	Author  string          `json:"author"`
	Year    int             `json:"year"`
	Genre   string          `json:"genre"`
	Ratings []domain.Rating `json:"ratings"`
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request, userID string) {
	if max := s.app.MaxUploadBytes(); max > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, max)
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	var payload bookPayload
	if err := json.Unmarshal([]byte(r.FormValue("book")), &payload); err != nil {
		writeError(w, http.StatusBadRequest, "book field must carry a JSON document")
		return
	}
	if payload.UserID != "" && payload.UserID != userID {
		writeError(w, http.StatusUnauthorized, "user mismatch")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is required (field: image)")
		return
	}
	defer file.Close()

	book, err := s.app.CreateBook(r.Context(), app.CreateBookInput{
		UserID:    userID,
		Title:     payload.Title,
		Author:    payload.Author,
		Year:      payload.Year,
		Genre:     payload.Genre,
		Ratings:   payload.Ratings,
		ImageName: header.Filename,
		Image:     file,
		ImageSize: header.Size,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

type bookUpdateRequest struct {
	Title  *string `json:"title"`
	Author *string `json:"author"`
	Year   *int    `json:"year"`
	Genre  *string `json:"genre"`
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request, userID, id string) {
	var req bookUpdateRequest

	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "multipart/") {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		if err := json.Unmarshal([]byte(r.FormValue("book")), &req); err != nil {
			writeError(w, http.StatusBadRequest, "book field must carry a JSON document")
			return
		}
	} else if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	book, err := s.app.UpdateBook(r.Context(), id, userID, store.BookUpdate{
		Title:  req.Title,
		Author: req.Author,
		Year:   req.Year,
		Genre:  req.Genre,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request, userID, id string) {
	if err := s.app.DeleteBook(r.Context(), id, userID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "book deleted"})
}

type ratingRequest struct {
	UserID string `json:"userId"`
	Rating int    `json:"rating"`
}

func (s *Server) handleRateBook(w http.ResponseWriter, r *http.Request, userID, id string) {
	var req ratingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID != "" && req.UserID != userID {
		writeError(w, http.StatusUnauthorized, "user mismatch")
		return
	}
	book, err := s.app.SubmitRating(r.Context(), id, userID, req.Rating)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// handleImage streams stored cover assets.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	key := filepath.Base(strings.TrimPrefix(r.URL.Path, "/images/"))
	if key == "" || key == "." || key == "/" {
		notFound(w, "not found")
		return
	}
	rc, err := s.app.OpenImage(r.Context(), key)
	if err != nil {
		notFound(w, "image not found")
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(key)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = io.Copy(w, rc)
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

// writeAppError maps application errors onto the HTTP error taxonomy.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrIdentityMismatch):
		writeError(w, http.StatusUnauthorized, "user mismatch")
	case errors.Is(err, app.ErrEmailAlreadyExists),
		errors.Is(err, app.ErrTitleAlreadyExists),
		errors.Is(err, app.ErrDuplicateRating):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "book not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCode(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "authorization required":
		return "AUTH_REQUIRED"
	case message == "invalid or expired token":
		return "AUTH_INVALID_TOKEN"
	case message == "user mismatch":
		return "AUTH_USER_MISMATCH"
	case message == "incorrect email address or password":
		return "AUTH_BAD_CREDENTIALS"
	case message == "too many requests":
		return "AUTH_RATE_LIMITED"
	case message == "email already exists":
		return "USER_EMAIL_TAKEN"
	case strings.Contains(message, "already rated"):
		return "RATING_DUPLICATE"
	case strings.Contains(message, "title already exists"):
		return "BOOK_DUPLICATE_TITLE"
	case message == "book not found", message == "image not found":
		return "BOOK_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "AUTH_RATE_LIMITED"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
