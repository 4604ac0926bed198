// Package datastore is a PostgreSQL implementation of the business managers
// the queue workers call.
package datastore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/embeddedsocial/pipeline/datastore/pool"
	"github.com/embeddedsocial/pipeline/managers"
)

var ErrNoDatabase = errors.New("no database connection configured")

//nolint:gochecknoglobals // compile time interface checks
var (
	_ managers.ActivitiesManager    = (*Store)(nil)
	_ managers.TopicsManager        = (*Store)(nil)
	_ managers.RelationshipsManager = (*Store)(nil)
	_ managers.LikesManager         = (*Store)(nil)
	_ managers.UsersManager         = (*Store)(nil)
	_ managers.SearchManager        = (*Store)(nil)
	_ managers.ReportsManager       = (*Store)(nil)
	_ managers.ImagesManager        = (*Store)(nil)
	_ managers.ModerationManager    = (*Store)(nil)
)

const insertBatchSize = 500

type Store struct {
	pool *pool.Pool
}

// NewStore opens every configured connection and migrates the tables when asked to.
func NewStore(ctx context.Context, opts ...Option) (*Store, error) {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}

	if len(o.DSNMap) == 0 {
		return nil, ErrNoDatabase
	}

	p := pool.New()
	for dsn, readOnly := range o.DSNMap {
		if err := p.AddConnection(ctx, dsn, readOnly, o.PoolOptions...); err != nil {
			p.Close(ctx)
			return nil, err
		}
	}

	s := &Store{pool: p}
	if o.Migrate {
		if err := s.Migrate(ctx); err != nil {
			p.Close(ctx)
			return nil, err
		}
	}

	return s, nil
}

// Migrate creates or updates every table the store owns.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.pool.Migrate(ctx, Models()...); err != nil {
		return fmt.Errorf("migrate datastore: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) {
	s.pool.Close(ctx)
}

func (s *Store) reader(ctx context.Context) (*gorm.DB, error) {
	db := s.pool.DB(ctx, true)
	if db == nil {
		return nil, ErrNoDatabase
	}
	return db, nil
}

func (s *Store) writer(ctx context.Context) (*gorm.DB, error) {
	db := s.pool.DB(ctx, false)
	if db == nil {
		return nil, ErrNoDatabase
	}
	return db, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return managers.ErrNotFound
	}
	return err
}
