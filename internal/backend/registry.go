// Package backend owns the database/sql pools of the configured back-ends.
package backend

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/tuannm99/novads/internal/sql/builder"
	"github.com/tuannm99/novads/internal/sql/executor"
)

var (
	ErrUnknownBackend = errors.New("backend: unknown back-end")
	ErrDuplicate      = errors.New("backend: back-end declared twice")
	ErrClosed         = errors.New("backend: registry is closed")
)

// Config describes one back-end.
type Config struct {
	Name            string        `mapstructure:"name"`
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DriverName maps configuration aliases onto registered database/sql
// driver names.
func DriverName(driver string) string {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq":
		return "postgres"
	case "mysql", "mariadb":
		return "mysql"
	case "sqlserver", "mssql":
		return "sqlserver"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return driver
	}
}

type handle struct {
	name    string
	driver  string
	db      *sql.DB
	dialect builder.Dialect
}

var _ executor.Connector = (*Registry)(nil)

// Registry holds one pool per back-end. Requests take a dedicated
// connection from it with Connect.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*handle
	closed  bool
	log     *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]*handle),
		log:     slog.Default().With("component", "backend"),
	}
}

// Open creates a registry with a pool per config. Pools connect lazily.
func Open(cfgs []Config) (*Registry, error) {
	r := NewRegistry()
	for _, c := range cfgs {
		if c.Name == "" || c.Driver == "" {
			_ = r.Close()
			return nil, errors.Errorf("backend: name and driver are required (name=%q driver=%q)", c.Name, c.Driver)
		}
		driver := DriverName(c.Driver)
		db, err := sql.Open(driver, c.DSN)
		if err != nil {
			_ = r.Close()
			return nil, errors.Wrapf(err, "backend: open %s", c.Name)
		}
		if c.MaxOpenConns > 0 {
			db.SetMaxOpenConns(c.MaxOpenConns)
		}
		if c.MaxIdleConns > 0 {
			db.SetMaxIdleConns(c.MaxIdleConns)
		}
		if c.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(c.ConnMaxLifetime)
		}
		if err := r.Add(c.Name, driver, db); err != nil {
			_ = db.Close()
			_ = r.Close()
			return nil, err
		}
	}
	return r, nil
}

// Add registers an already opened pool. The registry closes it on Close.
func (r *Registry) Add(name, driver string, db *sql.DB) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.handles[name]; ok {
		return errors.Wrapf(ErrDuplicate, "%q", name)
	}
	r.handles[name] = &handle{
		name:    name,
		driver:  DriverName(driver),
		db:      db,
		dialect: builder.DialectFor(DriverName(driver)),
	}
	r.log.Info("back-end registered", "name", name, "driver", driver)
	return nil
}

func (r *Registry) get(name string) (*handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	h, ok := r.handles[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBackend, "%q", name)
	}
	return h, nil
}

// Names lists the registered back-ends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handles))
	for n := range r.handles {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) DB(name string) (*sql.DB, error) {
	h, err := r.get(name)
	if err != nil {
		return nil, err
	}
	return h.db, nil
}

func (r *Registry) Driver(name string) (string, error) {
	h, err := r.get(name)
	if err != nil {
		return "", err
	}
	return h.driver, nil
}

// Connect takes a dedicated connection for one request.
func (r *Registry) Connect(ctx context.Context, name string) (executor.Link, error) {
	h, err := r.get(name)
	if err != nil {
		return nil, err
	}
	conn, err := h.db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "backend: connect %s", name)
	}
	return executor.NewSQLLink(conn), nil
}

// Builder returns the statement builder for a back-end's dialect.
func (r *Registry) Builder(name string) (builder.StatementBuilder, error) {
	h, err := r.get(name)
	if err != nil {
		return nil, err
	}
	return builder.Generic{Dialect: h.dialect}, nil
}

// Ping checks every back-end and returns the first failure.
func (r *Registry) Ping(ctx context.Context) error {
	for _, n := range r.Names() {
		h, err := r.get(n)
		if err != nil {
			return err
		}
		if err := h.db.PingContext(ctx); err != nil {
			return errors.Wrapf(err, "backend: ping %s", n)
		}
	}
	return nil
}

// Close closes every pool. Errors are logged; the first is returned.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var first error
	for n, h := range r.handles {
		if err := h.db.Close(); err != nil {
			r.log.Warn("close back-end", "name", n, "err", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
