package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/joescharf/thinkflow/internal/models"
)

// ErrNotFound is returned by Load when no snapshot exists. It is permanent:
// callers must not retry on it.
var ErrNotFound = errors.New("snapshot not found")

// Adapter persists session snapshots. Every call may fail; callers decide
// whether to retry.
type Adapter interface {
	Save(ctx context.Context, s *models.Session) error
	Load(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, filter ListFilter) ([]*models.Session, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// GroupArchive stores snapshots of parallel groups.
type GroupArchive interface {
	SaveGroup(ctx context.Context, g *models.ParallelSessionGroup) error
	ListGroups(ctx context.Context, status models.GroupStatus) ([]*models.ParallelSessionGroup, error)
}

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverNone   = "none"
)

// Options selects and configures a persistence backend.
type Options struct {
	Driver   string
	DBPath   string
	RedisURL string
}

// Open returns the adapter named by opts.Driver, migrated and ready. The
// "none" driver returns a nil Adapter and no error.
func Open(ctx context.Context, opts Options) (Adapter, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		s, err := NewSQLiteStore(opts.DBPath)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return s, nil
	case DriverRedis:
		r, err := NewRedisStore(ctx, opts.RedisURL)
		if err != nil {
			return nil, err
		}
		return r, nil
	case DriverNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", opts.Driver)
	}
}
