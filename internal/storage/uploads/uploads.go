// Пакет uploads — временное хранение загруженных файлов на локальном диске.
// Файл живёт в пределах одного запроса: сохраняется при приёме,
// читается при вызове AI-сервиса и удаляется при завершении обработки.
package uploads

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// tmpSuffix — суффикс незавершённой записи.
const tmpSuffix = ".part"

// maxNameLen — ограничение длины исходного имени в имени на диске.
const maxNameLen = 80

// ErrOutsideDir — путь не принадлежит директории загрузок.
var ErrOutsideDir = errors.New("путь вне директории загрузок")

// whitespaceRun — последовательность пробельных символов.
var whitespaceRun = regexp.MustCompile(`\s+`)

// Store — директория временных загрузок.
type Store struct {
	dir string
	now func() time.Time
}

// File — сохранённая загрузка.
type File struct {
	// Path — абсолютный путь на диске
	Path string
	// StoredName — имя файла в директории загрузок
	StoredName string
	// OriginalName — имя файла, переданное клиентом
	OriginalName string
	// Size — размер в байтах
	Size int64
}

// New создаёт Store. Создаёт директорию, если её нет.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("некорректный путь директории загрузок %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию загрузок %s: %w", abs, err)
	}
	return &Store{dir: abs, now: time.Now}, nil
}

// Dir возвращает путь к директории загрузок.
func (s *Store) Dir() string {
	return s.dir
}

// Save записывает поток на диск под сгенерированным именем.
//
// Паттерн: temp файл → запись → fsync → atomic rename.
// При ошибке temp файл удаляется, на диске ничего не остаётся.
func (s *Store) Save(r io.Reader, originalName string) (*File, error) {
	storedName := s.generateName(originalName)
	fullPath := filepath.Join(s.dir, storedName)
	tmpPath := fullPath + tmpSuffix

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	size, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &File{
		Path:         fullPath,
		StoredName:   storedName,
		OriginalName: originalName,
		Size:         size,
	}, nil
}

// Open открывает сохранённую загрузку для чтения.
func (s *Store) Open(path string) (*os.File, error) {
	if err := s.checkInside(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия загрузки %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// Remove удаляет загрузку. Отсутствие файла не считается ошибкой.
func (s *Store) Remove(path string) error {
	if err := s.checkInside(path); err != nil {
		return err
	}
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления загрузки %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Stale возвращает пути файлов (включая незавершённые .part),
// изменённых раньше, чем now - maxAge.
func (s *Store) Stale(maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории загрузок: %w", err)
	}

	cutoff := s.now().Add(-maxAge)
	var result []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Файл мог быть удалён параллельным запросом
			continue
		}
		if info.ModTime().Before(cutoff) {
			result = append(result, filepath.Join(s.dir, e.Name()))
		}
	}
	return result, nil
}

// checkInside запрещает операции с путями вне директории загрузок.
func (s *Store) checkInside(path string) error {
	rel, err := filepath.Rel(s.dir, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %q", ErrOutsideDir, path)
	}
	return nil
}

// generateName генерирует имя файла на диске.
// Формат: {unixMillis}_{uuid8}_{имя}
// Пример: 1767225600000_a1b2c3d4_chest_scan.png
func (s *Store) generateName(originalName string) string {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	uid := uuid.New().String()[:8]
	return fmt.Sprintf("%s_%s_%s", ts, uid, sanitize(originalName))
}

// sanitize готовит исходное имя к использованию на диске:
// отбрасывает путь, заменяет пробельные последовательности на "_",
// оставляет только буквы, цифры, дефис, подчёркивание и точку.
func sanitize(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = whitespaceRun.ReplaceAllString(strings.TrimSpace(name), "_")

	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' ||
			(r >= 0x0400 && r <= 0x04FF) { // Кириллица
			result.WriteRune(r)
		}
	}

	clean := strings.TrimLeft(result.String(), ".")
	if clean == "" {
		return "file"
	}
	if len(clean) > maxNameLen {
		ext := filepath.Ext(clean)
		if len(ext) > 10 {
			ext = ""
		}
		clean = truncateRunes(strings.TrimSuffix(clean, ext), maxNameLen-len(ext)) + ext
	}
	return clean
}

// truncateRunes обрезает строку до n байт, не разрывая руны.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
