package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"social/internal/gateway"
)

// Upload stores a blob under the object directory and returns a publicly
// resolvable reference. Content validation (image type, size ceilings)
// happens on the client before the call; the backend only rejects path
// escapes.
func (b *Backend) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	clean := filepath.Clean("/" + path)
	if strings.Contains(path, "..") {
		return "", gateway.Errf(gateway.ErrValidation, "bad object path %q", path)
	}
	full := filepath.Join(b.objDir, clean)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", gateway.Wrap(gateway.ErrNetwork, "write object", err)
	}
	return b.baseURL + clean, nil
}

var _ gateway.Uploader = (*Backend)(nil)
