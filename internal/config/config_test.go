package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackzampolin/broadsheet/internal/home"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Downloader.RateLimit != 2.0 {
		t.Errorf("expected default rate limit 2.0, got %v", cfg.Downloader.RateLimit)
	}
	if cfg.Queue.MaxConcurrent != 2 {
		t.Errorf("expected default max_concurrent 2, got %d", cfg.Queue.MaxConcurrent)
	}
	if cfg.Queue.PollInterval != 5 {
		t.Errorf("expected default poll_interval 5, got %d", cfg.Queue.PollInterval)
	}
	if cfg.OCR.Engine != "tesseract" {
		t.Errorf("expected default ocr engine tesseract, got %s", cfg.OCR.Engine)
	}
}

func TestResolvePaths(t *testing.T) {
	h, _ := home.New("/home/user/.broadsheet")

	t.Run("fills empty paths", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ResolvePaths(h)

		if cfg.RepositoryPath != "/home/user/.broadsheet/repository" {
			t.Errorf("unexpected repository path: %s", cfg.RepositoryPath)
		}
		if cfg.DatabasePath != "/home/user/.broadsheet/repository.db" {
			t.Errorf("unexpected database path: %s", cfg.DatabasePath)
		}
		if cfg.SearchIndexPath != "/home/user/.broadsheet/search.db" {
			t.Errorf("unexpected search index path: %s", cfg.SearchIndexPath)
		}
		if cfg.MainDatabasePath != "/home/user/.broadsheet/main.db" {
			t.Errorf("unexpected main database path: %s", cfg.MainDatabasePath)
		}
	})

	t.Run("preserves explicit paths", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RepositoryPath = "/data/pages"
		cfg.ResolvePaths(h)

		if cfg.RepositoryPath != "/data/pages" {
			t.Errorf("explicit path overwritten: %s", cfg.RepositoryPath)
		}
	})
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}

	content := string(data)
	if !strings.HasPrefix(content, "# Broadsheet configuration") {
		t.Error("expected header comment")
	}
	for _, key := range []string{"ocr:", "downloader:", "queue:", "retention:", "rate_limit:"} {
		if !strings.Contains(content, key) {
			t.Errorf("expected key %q in written config", key)
		}
	}
}
