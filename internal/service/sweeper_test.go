package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/mediscope-gateway/internal/storage/uploads"
)

// fileExists проверяет наличие файла на диске.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestUploadSweeper_RunOnce(t *testing.T) {
	dir := t.TempDir()
	store, err := uploads.New(dir)
	if err != nil {
		t.Fatalf("uploads.New() ошибка: %v", err)
	}

	old, err := store.Save(strings.NewReader("old"), "old.png")
	if err != nil {
		t.Fatalf("Save() ошибка: %v", err)
	}
	fresh, err := store.Save(strings.NewReader("fresh"), "fresh.png")
	if err != nil {
		t.Fatalf("Save() ошибка: %v", err)
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old.Path, past, past); err != nil {
		t.Fatalf("Chtimes() ошибка: %v", err)
	}

	sweeper := NewUploadSweeper(store, time.Hour, time.Hour, testLogger())
	result := sweeper.RunOnce()

	if result.DeletedCount != 1 || result.Errors != 0 {
		t.Errorf("RunOnce() = %+v, ожидается 1 удалённый файл без ошибок", result)
	}
	if fileExists(old.Path) {
		t.Error("устаревшая загрузка должна быть удалена")
	}
	if !fileExists(fresh.Path) {
		t.Error("свежая загрузка не должна удаляться")
	}
}

// failingStale — StaleUploads с ошибками.
type failingStale struct {
	staleErr  error
	paths     []string
	removeErr error
}

func (f *failingStale) Stale(time.Duration) ([]string, error) { return f.paths, f.staleErr }
func (f *failingStale) Remove(string) error                   { return f.removeErr }

func TestUploadSweeper_Errors(t *testing.T) {
	s := NewUploadSweeper(&failingStale{staleErr: errors.New("permission denied")}, time.Hour, time.Hour, testLogger())
	if r := s.RunOnce(); r.Errors != 1 || r.DeletedCount != 0 {
		t.Errorf("RunOnce() при ошибке чтения = %+v", r)
	}

	s = NewUploadSweeper(&failingStale{
		paths:     []string{filepath.Join("x", "a"), filepath.Join("x", "b")},
		removeErr: errors.New("busy"),
	}, time.Hour, time.Hour, testLogger())
	if r := s.RunOnce(); r.Errors != 2 || r.DeletedCount != 0 {
		t.Errorf("RunOnce() при ошибках удаления = %+v", r)
	}
}

func TestUploadSweeper_StartStop(t *testing.T) {
	dir := t.TempDir()
	store, err := uploads.New(dir)
	if err != nil {
		t.Fatalf("uploads.New() ошибка: %v", err)
	}
	f, err := store.Save(strings.NewReader("x"), "x.png")
	if err != nil {
		t.Fatalf("Save() ошибка: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	_ = os.Chtimes(f.Path, past, past)

	sweeper := NewUploadSweeper(store, time.Hour, time.Minute, testLogger())
	sweeper.Start(context.Background())

	// Первый проход выполняется сразу после старта
	deadline := time.Now().Add(2 * time.Second)
	for fileExists(f.Path) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sweeper.Stop()

	if fileExists(f.Path) {
		t.Error("первый проход очистки должен выполниться при старте")
	}
}
