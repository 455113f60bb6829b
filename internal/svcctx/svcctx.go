// Package svcctx provides service context for dependency injection via
// context. This package is separate from the service packages to avoid
// import cycles with command implementations.
package svcctx

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/jackzampolin/broadsheet/internal/chronam"
	"github.com/jackzampolin/broadsheet/internal/config"
	"github.com/jackzampolin/broadsheet/internal/connector"
	"github.com/jackzampolin/broadsheet/internal/home"
	"github.com/jackzampolin/broadsheet/internal/pipeline"
	"github.com/jackzampolin/broadsheet/internal/queue"
	"github.com/jackzampolin/broadsheet/internal/repo"
	"github.com/jackzampolin/broadsheet/internal/search"
	"github.com/jackzampolin/broadsheet/internal/transfer"
)

// Services holds the core services that flow through context.
// Commands extract what they need via the individual extractors.
type Services struct {
	Store     *repo.Store
	Queue     *queue.Queue
	Pipeline  *pipeline.Service
	Index     *search.Index
	Connector *connector.Connector
	MainDB    *sql.DB
	Transfer  *transfer.Transfer
	Archive   *chronam.Client
	Config    *config.Manager
	Logger    *slog.Logger
	Home      *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the repository store from context.
func StoreFrom(ctx context.Context) *repo.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// QueueFrom extracts the work queue from context.
func QueueFrom(ctx context.Context) *queue.Queue {
	if s := ServicesFrom(ctx); s != nil {
		return s.Queue
	}
	return nil
}

// PipelineFrom extracts the pipeline service from context.
func PipelineFrom(ctx context.Context) *pipeline.Service {
	if s := ServicesFrom(ctx); s != nil {
		return s.Pipeline
	}
	return nil
}

// IndexFrom extracts the search index from context.
func IndexFrom(ctx context.Context) *search.Index {
	if s := ServicesFrom(ctx); s != nil {
		return s.Index
	}
	return nil
}

// ConnectorFrom extracts the cross-database connector from context.
func ConnectorFrom(ctx context.Context) *connector.Connector {
	if s := ServicesFrom(ctx); s != nil {
		return s.Connector
	}
	return nil
}

// TransferFrom extracts the export/import service from context.
func TransferFrom(ctx context.Context) *transfer.Transfer {
	if s := ServicesFrom(ctx); s != nil {
		return s.Transfer
	}
	return nil
}

// ArchiveFrom extracts the archive client from context.
func ArchiveFrom(ctx context.Context) *chronam.Client {
	if s := ServicesFrom(ctx); s != nil {
		return s.Archive
	}
	return nil
}

// ConfigFrom extracts the config manager from context.
func ConfigFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Config
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}
