package uploads

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const MaxFileSize = 16 << 20

var (
	ErrTooLarge    = errors.New("file exceeds the upload limit")
	storedNameExpr = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}(\.[a-z0-9]{1,10})?$`)
)

// Files stores uploaded bytes under a directory with generated names.
type Files struct {
	dir string
}

func NewFiles(dir string) (*Files, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Files{dir: dir}, nil
}

// Save writes r under a new random name keeping the original extension.
func (f *Files) Save(r io.Reader, originalName string) (stored string, size int64, err error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if len(ext) > 11 || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	stored = uuid.NewString() + ext

	out, err := os.OpenFile(filepath.Join(f.dir, stored), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("create upload: %w", err)
	}
	size, err = io.Copy(out, io.LimitReader(r, MaxFileSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && size > MaxFileSize {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(filepath.Join(f.dir, stored))
		return "", 0, err
	}
	return stored, size, nil
}

// Path resolves a stored name. Only names produced by Save are accepted.
func (f *Files) Path(stored string) (string, bool) {
	if !storedNameExpr.MatchString(stored) {
		return "", false
	}
	return filepath.Join(f.dir, stored), true
}

// Remove deletes a stored file. Missing files are not an error.
func (f *Files) Remove(stored string) error {
	p, ok := f.Path(stored)
	if !ok {
		return nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
