package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LocalStore keeps artifacts on the local filesystem.
//
// Download URLs point back at this service (see Handler) and carry an HS256
// token whose subject is the artifact key. A token is valid for one key only
// and expires after the configured TTL.
type LocalStore struct {
	root    string
	baseURL string
	key     []byte
	ttl     time.Duration
	now     func() time.Time
}

// FilesPrefix is the URL path under which Handler serves artifacts.
const FilesPrefix = "/files/"

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root, publicBaseURL, signingKey string, ttl time.Duration) (*LocalStore, error) {
	if signingKey == "" {
		return nil, errors.New("local artifact store: signing key is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &LocalStore{
		root:    root,
		baseURL: strings.TrimSuffix(publicBaseURL, "/"),
		key:     []byte(signingKey),
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes r to a temporary file next to the target and renames it into
// place, so readers never see a partial artifact.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, size int64, _ string) error {
	dst, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, readerWithContext(ctx, r))
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrSizeMismatch, n, size)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	return nil
}

// URL returns a signed link to key.
func (s *LocalStore) URL(_ context.Context, key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	token, err := s.sign(clean)
	if err != nil {
		return "", fmt.Errorf("sign artifact url: %w", err)
	}
	return s.baseURL + FilesPrefix + escapeKey(clean) + "?token=" + url.QueryEscape(token), nil
}

// Delete removes key. A missing file is not an error.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// Open returns the stored file for key.
func (s *LocalStore) Open(key string) (*os.File, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

func (s *LocalStore) sign(key string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   key,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify checks that token grants access to key.
func (s *LocalStore) Verify(token, key string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return err
	}
	if claims.Subject != key {
		return errors.New("token does not match artifact")
	}
	return nil
}

// Handler serves artifacts at FilesPrefix + key. Requests without a valid
// token for the key get 404, the same as a missing file.
func (s *LocalStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := cleanKey(strings.TrimPrefix(r.URL.Path, FilesPrefix))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if err := s.Verify(r.URL.Query().Get("token"), key); err != nil {
			slog.Debug("artifact token rejected", "key", key, "error", err)
			http.NotFound(w, r)
			return
		}

		f, err := s.Open(key)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		name := path.Base(key)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		w.Header().Set("Cache-Control", "private, no-store")
		http.ServeContent(w, r, name, info.ModTime(), f)
	})
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
