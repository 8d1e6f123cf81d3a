package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aditya-sadavare/boltshare/models"
)

const defaultFilename = "file.bin"

// Assembler collects received chunks and produces the final artifact.
type Assembler interface {
	Begin(metadata models.FileMetadata) error
	Write(chunk []byte) error
	// Finish produces the artifact and returns its path, or "" when the
	// assembler keeps the data in memory only.
	Finish() (string, error)
	Abort() error
}

// MemoryAssembler keeps chunks in memory and concatenates them in order on
// Finish. With an empty Dir nothing is written to disk.
type MemoryAssembler struct {
	Dir string

	mu       sync.Mutex
	metadata models.FileMetadata
	chunks   [][]byte
	data     []byte
}

func NewMemoryAssembler(dir string) *MemoryAssembler {
	return &MemoryAssembler{Dir: dir}
}

func (a *MemoryAssembler) Begin(metadata models.FileMetadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metadata = metadata
	a.chunks = nil
	a.data = nil
	return nil
}

func (a *MemoryAssembler) Write(chunk []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chunks = append(a.chunks, append([]byte(nil), chunk...))
	return nil
}

func (a *MemoryAssembler) Finish() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.data = bytes.Join(a.chunks, nil)
	a.chunks = nil
	if a.Dir == "" {
		return "", nil
	}

	if err := os.MkdirAll(a.Dir, 0o700); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}
	path, err := uniqueFilePath(a.Dir, a.metadata.Name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, a.data, 0o600); err != nil {
		return "", fmt.Errorf("write assembled file: %w", err)
	}
	return path, nil
}

func (a *MemoryAssembler) Abort() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chunks = nil
	a.data = nil
	return nil
}

// Bytes returns the assembled data after Finish.
func (a *MemoryAssembler) Bytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.data
}

// SpoolAssembler appends chunks to a hidden .part file and renames it into
// place on Finish, so the final name only appears for complete files.
type SpoolAssembler struct {
	Dir string

	mu       sync.Mutex
	metadata models.FileMetadata
	file     *os.File
	tempPath string
}

func NewSpoolAssembler(dir string) *SpoolAssembler {
	return &SpoolAssembler{Dir: dir}
}

func (a *SpoolAssembler) Begin(metadata models.FileMetadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file != nil {
		return errors.New("spool already started")
	}
	if err := os.MkdirAll(a.Dir, 0o700); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}

	file, err := os.CreateTemp(a.Dir, "."+safeFilename(metadata.Name)+".*.part")
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	a.metadata = metadata
	a.file = file
	a.tempPath = file.Name()
	return nil
}

func (a *SpoolAssembler) Write(chunk []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return errors.New("spool not started")
	}
	if _, err := a.file.Write(chunk); err != nil {
		return fmt.Errorf("write spool file: %w", err)
	}
	return nil
}

func (a *SpoolAssembler) Finish() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return "", errors.New("spool not started")
	}
	if err := a.file.Sync(); err != nil {
		return "", fmt.Errorf("sync spool file: %w", err)
	}
	if err := a.file.Close(); err != nil {
		return "", fmt.Errorf("close spool file: %w", err)
	}
	a.file = nil

	finalPath, err := uniqueFilePath(a.Dir, a.metadata.Name)
	if err != nil {
		return "", err
	}
	if err := os.Rename(a.tempPath, finalPath); err != nil {
		return "", fmt.Errorf("finalize file: %w", err)
	}
	a.tempPath = ""
	return finalPath, nil
}

func (a *SpoolAssembler) Abort() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
	if a.tempPath == "" {
		return nil
	}
	err := os.Remove(a.tempPath)
	a.tempPath = ""
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove spool file: %w", err)
	}
	return nil
}

// TempPath returns the spool file path while a transfer is in progress.
func (a *SpoolAssembler) TempPath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tempPath
}

func safeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		return defaultFilename
	}
	return base
}

// uniqueFilePath returns dir/name, or dir/name (n).ext when taken.
func uniqueFilePath(dir, name string) (string, error) {
	base := safeFilename(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	candidate := filepath.Join(dir, base)
	for i := 1; ; i++ {
		_, err := os.Lstat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		if i > 9999 {
			return "", fmt.Errorf("no free filename for %q in %q", base, dir)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}
