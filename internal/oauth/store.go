package oauth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var ErrTokenNotFound = errors.New("refresh token not found")

// TokenStore persists the single refresh token.
type TokenStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Delete(ctx context.Context) error
}

// FileStore keeps the refresh token as plaintext in a 0600 file.
type FileStore struct {
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("token path is required")
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(ctx context.Context) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrTokenNotFound
	}
	return token, nil
}

// Save writes to a temp file in the same directory and renames it over the
// old token.
func (s *FileStore) Save(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("refusing to save empty token")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".refresh-token-*")
	if err != nil {
		return fmt.Errorf("create temp token: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp token: %w", err)
	}
	if _, err := tmp.WriteString(token); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp token: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename token: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// MirroredStore writes through to a local store and mirrors every change to
// object storage. The mirror is only read when the local copy is missing.
// Mirror failures are logged and never fail the operation.
type MirroredStore struct {
	local TokenStore
	blob  BlobStore
	key   string
	log   zerolog.Logger

	mirrorOK atomic.Bool
}

func NewMirroredStore(local TokenStore, blob BlobStore, key string, log zerolog.Logger) *MirroredStore {
	if key == "" {
		key = "homeconnect"
	}
	return &MirroredStore{
		local: local,
		blob:  blob,
		key:   key,
		log:   log.With().Str("component", "token_mirror").Logger(),
	}
}

func (s *MirroredStore) Load(ctx context.Context) (string, error) {
	token, err := s.local.Load(ctx)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, ErrTokenNotFound) {
		return "", err
	}

	data, blobErr := s.blob.Load(ctx, s.key)
	if blobErr != nil {
		if errors.Is(blobErr, ErrBlobNotFound) {
			return "", ErrTokenNotFound
		}
		remotePersistOK.Set(0)
		s.log.Warn().Err(blobErr).Msg("load token from mirror failed")
		return "", ErrTokenNotFound
	}
	remotePersistOK.Set(1)

	token = strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrTokenNotFound
	}
	if err := s.local.Save(ctx, token); err != nil {
		s.log.Warn().Err(err).Msg("restore token from mirror failed")
	}
	s.log.Info().Msg("refresh token restored from mirror")
	return token, nil
}

func (s *MirroredStore) Save(ctx context.Context, token string) error {
	if err := s.local.Save(ctx, token); err != nil {
		return err
	}
	if err := s.blob.Save(ctx, s.key, []byte(strings.TrimSpace(token))); err != nil {
		remotePersistOK.Set(0)
		s.mirrorOK.Store(false)
		s.log.Warn().Err(err).Msg("mirror token failed")
		return nil
	}
	remotePersistOK.Set(1)
	s.mirrorOK.Store(true)
	return nil
}

// MirrorOK reports whether the last Save reached object storage.
func (s *MirroredStore) MirrorOK() bool {
	return s.mirrorOK.Load()
}

func (s *MirroredStore) Delete(ctx context.Context) error {
	if err := s.local.Delete(ctx); err != nil {
		return err
	}
	if err := s.blob.Delete(ctx, s.key); err != nil && !errors.Is(err, ErrBlobNotFound) {
		remotePersistOK.Set(0)
		s.log.Warn().Err(err).Msg("delete mirrored token failed")
	}
	return nil
}
