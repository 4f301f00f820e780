package oauth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

type memoryBlobStore struct {
	data    map[string][]byte
	saveErr error
}

func (m *memoryBlobStore) Load(_ context.Context, key string) ([]byte, error) {
	if m.data != nil {
		if data, ok := m.data[key]; ok {
			return data, nil
		}
	}
	return nil, ErrBlobNotFound
}

func (m *memoryBlobStore) Save(_ context.Context, key string, data []byte) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = data
	return nil
}

func (m *memoryBlobStore) Delete(_ context.Context, key string) error {
	if _, ok := m.data[key]; !ok {
		return ErrBlobNotFound
	}
	delete(m.data, key)
	return nil
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "refresh_token")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Load(ctx); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
	if err := store.Save(ctx, "refresh-1\n"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, "refresh-2"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	token, err := store.Load(ctx)
	if err != nil || token != "refresh-2" {
		t.Fatalf("unexpected token %q: %v", token, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %o", info.Mode().Perm())
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}

	if err := store.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected token to be gone, got %v", err)
	}
}

func TestMirroredStoreFallsBackToBlob(t *testing.T) {
	dir := t.TempDir()
	local, _ := NewFileStore(filepath.Join(dir, "refresh_token"))
	blob := &memoryBlobStore{data: map[string][]byte{"homeconnect": []byte("from-blob\n")}}
	store := NewMirroredStore(local, blob, "", zerolog.Nop())
	ctx := context.Background()

	token, err := store.Load(ctx)
	if err != nil || token != "from-blob" {
		t.Fatalf("unexpected token %q: %v", token, err)
	}
	restored, err := local.Load(ctx)
	if err != nil || restored != "from-blob" {
		t.Fatalf("blob token not restored locally: %q %v", restored, err)
	}

	if err := store.Save(ctx, "rotated"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if string(blob.data["homeconnect"]) != "rotated" {
		t.Fatalf("blob not updated: %q", blob.data["homeconnect"])
	}
	if !store.MirrorOK() {
		t.Fatalf("expected MirrorOK after successful upload")
	}

	if err := store.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound after delete, got %v", err)
	}
}

func TestMirroredStoreIgnoresBlobFailure(t *testing.T) {
	local, _ := NewFileStore(filepath.Join(t.TempDir(), "refresh_token"))
	blob := &memoryBlobStore{saveErr: errors.New("bucket offline")}
	store := NewMirroredStore(local, blob, "homeconnect", zerolog.Nop())

	if err := store.Save(context.Background(), "refresh-1"); err != nil {
		t.Fatalf("mirror failure leaked: %v", err)
	}
	if store.MirrorOK() {
		t.Fatalf("expected MirrorOK false after failed upload")
	}
	token, err := store.Load(context.Background())
	if err != nil || token != "refresh-1" {
		t.Fatalf("unexpected token %q: %v", token, err)
	}
}
