package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	URL             string `split_words:"true"`
	MaxConns        int32  `split_words:"true" default:"10"`
	MinConns        int32  `split_words:"true" default:"1"`
	ConnectTimeout  int    `split_words:"true" default:"5"`
	MaxConnLifetime int    `split_words:"true" default:"1800"`
}

// New opens a pgx pool and verifies connectivity. Turns check out one
// connection each for the lifetime of their transaction.
func (c *Config) New(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, err
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		cfg.MinConns = c.MinConns
	}
	if c.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = time.Duration(c.MaxConnLifetime) * time.Second
	}
	timeout := 5 * time.Second
	if c.ConnectTimeout > 0 {
		timeout = time.Duration(c.ConnectTimeout) * time.Second
	}
	cfg.ConnConfig.ConnectTimeout = timeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
