package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileStoreSaveWritesArtifact(t *testing.T) {
	dir := t.TempDir()
	store, errNew := NewFileStore(dir, "/media/")
	if errNew != nil {
		t.Fatalf("new store: %v", errNew)
	}

	url, errSave := store.Save(context.Background(), "png", []byte{0x89, 0x50, 0x4e, 0x47})
	if errSave != nil {
		t.Fatalf("save: %v", errSave)
	}
	if !strings.HasPrefix(url, "/media/") || !strings.HasSuffix(url, ".png") {
		t.Fatalf("unexpected url %q", url)
	}

	name := strings.TrimPrefix(url, "/media/")
	data, errRead := os.ReadFile(filepath.Join(dir, name))
	if errRead != nil {
		t.Fatalf("read artifact: %v", errRead)
	}
	if len(data) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(data))
	}
}

func TestFileStoreSaveRejectsEmptyArtifact(t *testing.T) {
	store, errNew := NewFileStore(t.TempDir(), "/media")
	if errNew != nil {
		t.Fatalf("new store: %v", errNew)
	}
	if _, errSave := store.Save(context.Background(), "png", nil); errSave == nil {
		t.Fatal("expected error for empty artifact")
	}
}
