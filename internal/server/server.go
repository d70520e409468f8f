// Package server is the HTTP surface of the hosted backend: JSON
// endpoints for auth and the core entities, with cookie sessions. The
// sync client talks to the backend in-process; this server exists so the
// backend can also run standalone under cmd/server.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"social/internal/backend"
	"social/internal/gateway"
	"social/internal/models"
)

type Server struct {
	Backend    *backend.Backend
	CookieName string
	log        *slog.Logger
}

func New(b *backend.Backend, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{Backend: b, CookieName: "session_id", log: log}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/login/otp", s.handleOTP)
	mux.HandleFunc("/login/provider", s.handleProviderLogin)
	mux.HandleFunc("/logout", s.requireAuth(s.handleLogout))
	mux.HandleFunc("/posts", s.handlePosts)
	mux.HandleFunc("/posts/like", s.requireAuth(s.handleLike))
	mux.HandleFunc("/posts/comment", s.requireAuth(s.handleComment))
	mux.HandleFunc("/notifications", s.requireAuth(s.handleNotifications))
	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.routes().ServeHTTP(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("server: encode response failed", "error", err)
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gateway.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, gateway.ErrUnauthorized),
		errors.Is(err, backend.ErrInvalidCredentials),
		errors.Is(err, backend.ErrInvalidToken),
		errors.Is(err, backend.ErrInvalidCode):
		status = http.StatusUnauthorized
	case errors.Is(err, gateway.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict), errors.Is(err, backend.ErrDuplicateEmail):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	acct, err := s.Backend.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	tok, err := s.Backend.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.setSessionCookie(w, tok)
	s.writeJSON(w, http.StatusOK, map[string]any{"account": tok.Account, "expires_at": tok.ExpiresAt})
}

// handleOTP issues a code on POST {email} and verifies on POST
// {email, code}.
func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		if _, err := s.Backend.IssueOTP(r.Context(), req.Email); err != nil {
			s.writeErr(w, err)
			return
		}
		// the code goes out by mail, never in the response
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
		return
	}
	tok, err := s.Backend.VerifyOTP(r.Context(), req.Email, req.Code)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.setSessionCookie(w, tok)
	s.writeJSON(w, http.StatusOK, map[string]any{"account": tok.Account})
}

// handleProviderLogin exchanges an already-verified provider assertion
// for a session. Assertion verification happens upstream; this endpoint
// trusts its caller the way the backend method does.
func (s *Server) handleProviderLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Provider string `json:"provider"`
		Subject  string `json:"subject"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	tok, err := s.Backend.SignInWithProvider(r.Context(), req.Provider, req.Subject, req.Email)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.setSessionCookie(w, tok)
	s.writeJSON(w, http.StatusOK, map[string]any{"account": tok.Account, "expires_at": tok.ExpiresAt})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ *models.Account) {
	if cookie, err := r.Cookie(s.CookieName); err == nil {
		if err := s.Backend.SignOut(r.Context(), cookie.Value); err != nil {
			s.log.Warn("server: sign-out failed", "error", err)
		}
		http.SetCookie(w, &http.Cookie{Name: s.CookieName, Path: "/", MaxAge: -1})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		viewer := ""
		if acct := s.currentAccount(r); acct != nil {
			viewer = acct.ID
		}
		posts, err := s.Backend.Query(r.Context(), gateway.Query{
			Kind:     models.KindPost,
			Order:    &gateway.Ordering{Field: "created_at", Desc: true},
			Expand:   true,
			ViewerID: viewer,
		})
		if err != nil {
			s.writeErr(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, posts)
	case http.MethodPost:
		s.requireAuth(s.handleNewPost)(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleNewPost(w http.ResponseWriter, r *http.Request, acct *models.Account) {
	var req struct {
		Content  string `json:"content"`
		ImageURL string `json:"image_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		http.Error(w, "missing content", http.StatusBadRequest)
		return
	}
	post, err := s.Backend.Mutate(r.Context(), gateway.Mutation{
		Kind:    models.KindPost,
		Op:      gateway.OpInsert,
		Record:  &models.Post{AuthorID: acct.ID, Content: req.Content, ImageURL: req.ImageURL},
		ActorID: acct.ID,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, post)
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request, acct *models.Account) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		PostID string `json:"post_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PostID == "" {
		http.Error(w, "missing post_id", http.StatusBadRequest)
		return
	}
	like, err := s.Backend.Mutate(r.Context(), gateway.Mutation{
		Kind:    models.KindLike,
		Op:      gateway.OpInsert,
		Record:  &models.Like{PostID: req.PostID, AccountID: acct.ID},
		ActorID: acct.ID,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, like)
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request, acct *models.Account) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		PostID string `json:"post_id"`
		Body   string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PostID == "" || req.Body == "" {
		http.Error(w, "missing fields", http.StatusBadRequest)
		return
	}
	comment, err := s.Backend.Mutate(r.Context(), gateway.Mutation{
		Kind:    models.KindComment,
		Op:      gateway.OpInsert,
		Record:  &models.Comment{PostID: req.PostID, AuthorID: acct.ID, Body: req.Body},
		ActorID: acct.ID,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, comment)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, acct *models.Account) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	recs, err := s.Backend.Query(r.Context(), gateway.Query{
		Kind:   models.KindNotification,
		Filter: gateway.Eq("recipient_id", acct.ID),
		Order:  &gateway.Ordering{Field: "created_at", Desc: true},
		Expand: true,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

// middleware
func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, *models.Account)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct := s.currentAccount(r)
		if acct == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, acct)
	}
}

func (s *Server) currentAccount(r *http.Request) *models.Account {
	cookie, err := r.Cookie(s.CookieName)
	if err != nil {
		return nil
	}
	acct, err := s.Backend.Authenticate(r.Context(), cookie.Value)
	if err != nil {
		return nil
	}
	return acct
}

func (s *Server) setSessionCookie(w http.ResponseWriter, tok *gateway.Token) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.CookieName,
		Value:    tok.AccessToken,
		Path:     "/",
		Expires:  tok.ExpiresAt,
		HttpOnly: true,
	})
}
