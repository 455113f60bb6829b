package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the broadsheet home directory.
	DefaultDirName = ".broadsheet"

	// RepositoryDirName is the subdirectory holding page images and OCR output.
	RepositoryDirName = "repository"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// RepoDBFileName is the repository index database.
	RepoDBFileName = "repository.db"

	// MainDBFileName is the main historical-events database.
	MainDBFileName = "main.db"

	// SearchDBFileName is the search index database.
	SearchDBFileName = "search.db"
)

// Dir represents the broadsheet home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.broadsheet).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// RepositoryPath returns the base directory for repository files.
func (d *Dir) RepositoryPath() string {
	return filepath.Join(d.path, RepositoryDirName)
}

// RepoDBPath returns the path to the repository index database.
func (d *Dir) RepoDBPath() string {
	return filepath.Join(d.path, RepoDBFileName)
}

// MainDBPath returns the path to the main events database.
func (d *Dir) MainDBPath() string {
	return filepath.Join(d.path, MainDBFileName)
}

// SearchDBPath returns the path to the search index database.
func (d *Dir) SearchDBPath() string {
	return filepath.Join(d.path, SearchDBFileName)
}

// BackupsDir returns the directory for database backups.
func (d *Dir) BackupsDir() string {
	return filepath.Join(d.path, "backups")
}

// ExportsDir returns the directory for exported files.
func (d *Dir) ExportsDir() string {
	return filepath.Join(d.path, "exports")
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.RepositoryPath(), d.BackupsDir(), d.ExportsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
