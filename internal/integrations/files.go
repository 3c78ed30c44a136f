package integrations

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/rendis/autoflow/internal/steps"
)

// FileSandbox confines file_operation steps to a root directory.
type FileSandbox struct {
	fs afero.Fs
}

var _ steps.FileStore = (*FileSandbox)(nil)

// NewFileSandbox roots all step paths under dir, creating it if needed.
func NewFileSandbox(dir string) (*FileSandbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSandbox{fs: afero.NewBasePathFs(afero.NewOsFs(), dir)}, nil
}

// NewFileSandboxFs wraps an existing filesystem, typically an in-memory one.
func NewFileSandboxFs(fs afero.Fs) *FileSandbox {
	return &FileSandbox{fs: fs}
}

func (s *FileSandbox) Read(_ context.Context, path string) ([]byte, error) {
	return afero.ReadFile(s.fs, path)
}

func (s *FileSandbox) Write(_ context.Context, path string, data []byte, appendMode bool) (int, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := s.fs.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (s *FileSandbox) Delete(_ context.Context, path string) error {
	return s.fs.Remove(path)
}

func (s *FileSandbox) List(_ context.Context, path string) ([]steps.FileEntry, error) {
	infos, err := afero.ReadDir(s.fs, path)
	if err != nil {
		return nil, err
	}
	entries := make([]steps.FileEntry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, steps.FileEntry{
			Name:    fi.Name(),
			Size:    fi.Size(),
			IsDir:   fi.IsDir(),
			ModTime: fi.ModTime().UTC(),
		})
	}
	return entries, nil
}

func (s *FileSandbox) Exists(_ context.Context, path string) (bool, error) {
	return afero.Exists(s.fs, path)
}
