package license

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ggoodman/topicsync/internal/atomicfile"
)

// Storage persists the license descriptor and the usage statistics.
type Storage interface {
	// LoadLicense returns the raw license descriptor.
	LoadLicense(ctx context.Context) ([]byte, error)
	// LoadStatistics returns the stored statistics, or empty ones when none
	// have been saved yet.
	LoadStatistics(ctx context.Context) (*Statistics, error)
	// SaveStatistics durably replaces the stored statistics before returning.
	SaveStatistics(ctx context.Context, s *Statistics) error
}

const (
	LicenseFileName    = "license.json"
	StatisticsFileName = "statistics.json"
)

// FileStorage keeps both documents in a data directory.
type FileStorage struct {
	dir string
}

// NewFileStorage returns storage rooted at dir. The directory is created if
// missing and must be writable.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("license: data directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("license: create data directory: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (f *FileStorage) LicensePath() string    { return filepath.Join(f.dir, LicenseFileName) }
func (f *FileStorage) StatisticsPath() string { return filepath.Join(f.dir, StatisticsFileName) }

func (f *FileStorage) LoadLicense(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.LicensePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no license file at %s", ErrInvalidLicense, f.LicensePath())
		}
		return nil, fmt.Errorf("license: read %s: %w", f.LicensePath(), err)
	}
	return data, nil
}

func (f *FileStorage) LoadStatistics(ctx context.Context) (*Statistics, error) {
	data, err := os.ReadFile(f.StatisticsPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewStatistics(), nil
		}
		return nil, fmt.Errorf("license: read %s: %w", f.StatisticsPath(), err)
	}
	return ParseStatistics(data)
}

func (f *FileStorage) SaveStatistics(ctx context.Context, s *Statistics) error {
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(f.StatisticsPath(), data, 0o644)
}

// MemoryStorage keeps both documents in memory.
type MemoryStorage struct {
	mu      sync.Mutex
	license []byte
	stats   []byte
	// SaveErr, when set, is returned by SaveStatistics.
	SaveErr error
}

func NewMemoryStorage(license []byte) *MemoryStorage {
	return &MemoryStorage{license: append([]byte(nil), license...)}
}

func (m *MemoryStorage) SetLicense(license []byte) {
	m.mu.Lock()
	m.license = append([]byte(nil), license...)
	m.mu.Unlock()
}

func (m *MemoryStorage) LoadLicense(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.license == nil {
		return nil, fmt.Errorf("%w: no license", ErrInvalidLicense)
	}
	return append([]byte(nil), m.license...), nil
}

func (m *MemoryStorage) LoadStatistics(ctx context.Context) (*Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats == nil {
		return NewStatistics(), nil
	}
	return ParseStatistics(m.stats)
}

func (m *MemoryStorage) SaveStatistics(ctx context.Context, s *Statistics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	m.stats = data
	return nil
}

// Raw returns the last saved statistics document.
func (m *MemoryStorage) Raw() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.stats...)
}

var (
	_ Storage = (*FileStorage)(nil)
	_ Storage = (*MemoryStorage)(nil)
)
