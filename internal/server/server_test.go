package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"social/internal/backend"
	"social/internal/models"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	b, err := backend.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("backend open: %v", err)
	}
	return New(b, nil)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

// register creates an account and signs it in, returning the session
// cookie.
func register(t *testing.T, srv *Server, email string) *http.Cookie {
	t.Helper()
	if w := doJSON(t, srv, http.MethodPost, "/register", map[string]string{"email": email, "password": "secret1"}, nil); w.Code != http.StatusCreated {
		t.Fatalf("register code %d: %s", w.Code, w.Body.String())
	}
	w := doJSON(t, srv, http.MethodPost, "/login", map[string]string{"email": email, "password": "secret1"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login code %d: %s", w.Code, w.Body.String())
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == srv.CookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestRegisterLogin(t *testing.T) {
	srv := newTestServer(t)
	cookie := register(t, srv, "a@b.com")
	if cookie.Value == "" {
		t.Fatal("empty session token")
	}

	// duplicate email
	if w := doJSON(t, srv, http.MethodPost, "/register", map[string]string{"email": "a@b.com", "password": "other"}, nil); w.Code != http.StatusConflict {
		t.Fatalf("duplicate register code %d", w.Code)
	}
	// wrong password
	if w := doJSON(t, srv, http.MethodPost, "/login", map[string]string{"email": "a@b.com", "password": "nope"}, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad login code %d", w.Code)
	}
}

func TestCreateAndListPosts(t *testing.T) {
	srv := newTestServer(t)
	cookie := register(t, srv, "a@b.com")

	w := doJSON(t, srv, http.MethodPost, "/posts", map[string]string{"content": "hello"}, cookie)
	if w.Code != http.StatusCreated {
		t.Fatalf("create code %d: %s", w.Code, w.Body.String())
	}
	var created models.Post
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" {
		t.Fatal("no server id assigned")
	}

	w = doJSON(t, srv, http.MethodGet, "/posts", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list code %d", w.Code)
	}
	var posts []models.Post
	if err := json.NewDecoder(w.Body).Decode(&posts); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(posts) != 1 || posts[0].Content != "hello" {
		t.Fatalf("posts = %+v", posts)
	}
}

func TestPostRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	if w := doJSON(t, srv, http.MethodPost, "/posts", map[string]string{"content": "anon"}, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("code %d, want 401", w.Code)
	}
}

func TestLikeOnceAndViewerFlag(t *testing.T) {
	srv := newTestServer(t)
	cookie := register(t, srv, "a@b.com")

	w := doJSON(t, srv, http.MethodPost, "/posts", map[string]string{"content": "like me"}, cookie)
	var post models.Post
	if err := json.NewDecoder(w.Body).Decode(&post); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if w := doJSON(t, srv, http.MethodPost, "/posts/like", map[string]string{"post_id": post.ID}, cookie); w.Code != http.StatusCreated {
		t.Fatalf("like code %d: %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, srv, http.MethodPost, "/posts/like", map[string]string{"post_id": post.ID}, cookie); w.Code != http.StatusConflict {
		t.Fatalf("double like code %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodGet, "/posts", nil, cookie)
	var posts []models.Post
	if err := json.NewDecoder(w.Body).Decode(&posts); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if posts[0].LikesCount != 1 || !posts[0].Liked {
		t.Fatalf("likes=%d liked=%v", posts[0].LikesCount, posts[0].Liked)
	}
}

func TestCommentAndCount(t *testing.T) {
	srv := newTestServer(t)
	cookie := register(t, srv, "a@b.com")

	w := doJSON(t, srv, http.MethodPost, "/posts", map[string]string{"content": "discuss"}, cookie)
	var post models.Post
	if err := json.NewDecoder(w.Body).Decode(&post); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w := doJSON(t, srv, http.MethodPost, "/posts/comment", map[string]string{"post_id": post.ID, "body": "first"}, cookie); w.Code != http.StatusCreated {
		t.Fatalf("comment code %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, http.MethodGet, "/posts", nil, nil)
	var posts []models.Post
	if err := json.NewDecoder(w.Body).Decode(&posts); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if posts[0].CommentsCount != 1 {
		t.Fatalf("comments = %d", posts[0].CommentsCount)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	srv := newTestServer(t)
	cookie := register(t, srv, "a@b.com")

	if w := doJSON(t, srv, http.MethodPost, "/logout", nil, cookie); w.Code != http.StatusNoContent {
		t.Fatalf("logout code %d", w.Code)
	}
	if w := doJSON(t, srv, http.MethodPost, "/posts", map[string]string{"content": "ghost"}, cookie); w.Code != http.StatusUnauthorized {
		t.Fatalf("post after logout code %d", w.Code)
	}
}

func TestProviderLogin(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]string{"provider": "google", "subject": "sub-1", "email": "a@b.com"}
	w := doJSON(t, srv, http.MethodPost, "/login/provider", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("provider login code %d: %s", w.Code, w.Body.String())
	}
	var got *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == srv.CookieName {
			got = c
		}
	}
	if got == nil || got.Value == "" {
		t.Fatal("no session cookie from provider login")
	}
	// provider accounts never gain a usable password
	if w := doJSON(t, srv, http.MethodPost, "/login", map[string]string{"email": "a@b.com", "password": "!provider:google"}, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("password login against provider account code %d", w.Code)
	}
}

func TestNotificationsRequireAuth(t *testing.T) {
	srv := newTestServer(t)
	if w := doJSON(t, srv, http.MethodGet, "/notifications", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("code %d, want 401", w.Code)
	}
	cookie := register(t, srv, "a@b.com")
	if w := doJSON(t, srv, http.MethodGet, "/notifications", nil, cookie); w.Code != http.StatusOK {
		t.Fatalf("code %d, want 200", w.Code)
	}
}
