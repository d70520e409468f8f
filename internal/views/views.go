// Package views exposes the per-screen controllers the UI layer consumes:
// Feed, Chat, ChatList and Notifications. Each owns one entity cache and
// its change routes, and offers action methods that run through the
// optimistic mutation engine. Controllers report {items, loading, error}
// and every action returns success or failure for UI feedback.
package views

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"social/internal/engine"
	"social/internal/gateway"
	"social/internal/router"
	"social/internal/session"
)

// Deps is everything a view controller needs. The zero value is not
// usable; cmd wiring builds one per process.
type Deps struct {
	Session  *session.Session
	Gateway  gateway.Gateway
	Uploader gateway.Uploader
	Engine   *engine.Engine
	Router   *router.Router
	Log      *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// state is the {loading, error} half of every controller.
type state struct {
	mu      sync.Mutex
	loading bool
	err     error
}

func (s *state) begin() {
	s.mu.Lock()
	s.loading, s.err = true, nil
	s.mu.Unlock()
}

func (s *state) finish(err error) {
	s.mu.Lock()
	s.loading, s.err = false, err
	s.mu.Unlock()
}

func (s *state) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *state) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

const (
	maxPostLen    = 2000
	maxCommentLen = 1000
	maxMessageLen = 2000
	maxChatName   = 80

	maxAvatarBytes    = 2 << 20
	maxPostImageBytes = 8 << 20
)

func validateText(kind, text string, max int) error {
	if strings.TrimSpace(text) == "" {
		return gateway.Errf(gateway.ErrValidation, "%s must not be empty", kind)
	}
	if len(text) > max {
		return gateway.Errf(gateway.ErrValidation, "%s exceeds %d characters", kind, max)
	}
	return nil
}

// validateImage enforces the per-upload-site ceilings before any bytes
// leave the client: images only, size capped.
func validateImage(data []byte, declared string, maxBytes int) error {
	if len(data) == 0 {
		return gateway.Errf(gateway.ErrValidation, "empty image")
	}
	if len(data) > maxBytes {
		return gateway.Errf(gateway.ErrValidation, "image exceeds %d bytes", maxBytes)
	}
	sniffed := http.DetectContentType(data)
	if !strings.HasPrefix(sniffed, "image/") {
		return gateway.Errf(gateway.ErrValidation, "not an image (%s)", sniffed)
	}
	if declared != "" && !strings.HasPrefix(declared, "image/") {
		return gateway.Errf(gateway.ErrValidation, "unsupported content type %s", declared)
	}
	return nil
}
