package datastore

import (
	"context"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/keithlinneman/user-service/internal/cfg"
	"github.com/keithlinneman/user-service/internal/log"
	"github.com/keithlinneman/user-service/internal/xerrors"
)

// PGConn is the subset of *pgx.Conn the probe uses.
type PGConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// PGConnector opens a new connection for dsn.
type PGConnector func(ctx context.Context, dsn string) (PGConn, error)

func pgxConnect(ctx context.Context, dsn string) (PGConn, error) {
	return pgx.Connect(ctx, dsn)
}

// PostgresProbe opens a fresh connection, runs SELECT 1 and closes it.
type PostgresProbe struct {
	conf    cfg.Postgres
	connect PGConnector
}

func NewPostgresProbe(c cfg.Postgres, opts ...PostgresOption) *PostgresProbe {
	p := &PostgresProbe{conf: c, connect: pgxConnect}
	for _, o := range opts {
		o(p)
	}
	return p
}

type PostgresOption func(*PostgresProbe)

// WithPGConnector replaces the pgx dialer.
func WithPGConnector(fn PGConnector) PostgresOption {
	return func(p *PostgresProbe) {
		if fn != nil {
			p.connect = fn
		}
	}
}

func (p *PostgresProbe) Name() string { return NamePostgres }

func (p *PostgresProbe) Check(ctx context.Context) error {
	conn, err := p.connect(ctx, PostgresDSN(p.conf))
	if err != nil {
		return xerrors.Wrapf(err, "connect %s", net.JoinHostPort(p.conf.Host, strconv.Itoa(p.conf.Port)))
	}
	defer func() {
		if cerr := conn.Close(context.WithoutCancel(ctx)); cerr != nil {
			log.FromContext(ctx).Warn(ctx, "postgres close failed", "error", cerr)
		}
	}()

	var one int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return xerrors.Wrap(err, "select 1")
	}
	if one != 1 {
		return xerrors.Newf("select 1 returned %d", one)
	}
	return nil
}

// PostgresDSN renders c as a postgres:// URL. Credentials are escaped.
func PostgresDSN(c cfg.Postgres) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.DB,
	}
	return u.String()
}
