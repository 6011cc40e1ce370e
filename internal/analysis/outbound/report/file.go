package report

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shandysiswandi/unimq/internal/analysis/entity"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
)

// File keeps reports as indented JSON files under a directory.
type File struct {
	dir string
}

func NewFile(dir string) *File {
	if dir == "" {
		dir = "."
	}
	return &File{dir: dir}
}

func (f *File) Save(_ context.Context, jobID string, report entity.Report) (string, error) {
	name := filepath.Join(f.dir, jobID+".json")
	if err := WriteFile(name, report); err != nil {
		return "", err
	}
	return name, nil
}

func (f *File) Load(_ context.Context, jobID string) (*entity.Report, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, jobID+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, goerror.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var report entity.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// WriteFile writes report to name as indented JSON, creating parent
// directories as needed.
func WriteFile(name string, report entity.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	return os.WriteFile(name, data, 0o644)
}
