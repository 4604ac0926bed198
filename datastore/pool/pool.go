// Package pool manages the gorm connections shared by the postgres queue driver
// and the reference business stores.
package pool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pitabwire/util"
	"gorm.io/gorm"
)

var ErrNoWritableDatabase = errors.New("no writable database configured")

// Pool hands out read and write connections round robin.
type Pool struct {
	readIdx  atomic.Uint64
	writeIdx atomic.Uint64

	mu       sync.RWMutex
	readDBs  []*gorm.DB
	writeDBs []*gorm.DB
}

func New() *Pool {
	return &Pool{}
}

// AddConnection opens dsn and adds it to the read or write set.
func (p *Pool) AddConnection(ctx context.Context, dsn string, readOnly bool, opts ...Option) error {
	db, err := Open(ctx, dsn, opts...)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if readOnly {
		p.readDBs = append(p.readDBs, db)
	} else {
		p.writeDBs = append(p.writeDBs, db)
	}
	return nil
}

// DB returns a session bound to ctx. Reads fall back to the write set when no
// replica is configured. It returns nil when nothing is configured.
func (p *Pool) DB(ctx context.Context, readOnly bool) *gorm.DB {
	var selected *gorm.DB

	p.mu.RLock()
	if readOnly {
		selected = selectOne(p.readDBs, &p.readIdx)
	}
	if selected == nil {
		selected = selectOne(p.writeDBs, &p.writeIdx)
	}
	p.mu.RUnlock()

	if selected == nil {
		return nil
	}

	return selected.Session(&gorm.Session{NewDB: true}).WithContext(ctx)
}

func selectOne(dbs []*gorm.DB, idx *atomic.Uint64) *gorm.DB {
	if len(dbs) == 0 {
		return nil
	}
	pos := idx.Add(1)
	return dbs[int((pos-1)%uint64(len(dbs)))] //nolint:gosec // index is below len(dbs)
}

// Migrate creates or updates the tables for models on the write set.
func (p *Pool) Migrate(ctx context.Context, models ...any) error {
	db := p.DB(ctx, false)
	if db == nil {
		return ErrNoWritableDatabase
	}

	if err := db.Migrator().AutoMigrate(models...); err != nil {
		if isRelationAlreadyExistsErr(err) {
			util.Log(ctx).WithError(err).Warn("tables already created concurrently")
			return nil
		}
		util.Log(ctx).WithError(err).Error("could not auto migrate")
		return err
	}
	return nil
}

func (p *Pool) Close(_ context.Context) {
	p.mu.Lock()
	dbs := append(append([]*gorm.DB(nil), p.readDBs...), p.writeDBs...)
	p.readDBs, p.writeDBs = nil, nil
	p.mu.Unlock()

	for _, db := range dbs {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func isRelationAlreadyExistsErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P07" || pgErr.Code == "23505"
	}

	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}
