// Package datasource defines the database source model used to build pools.
// A source represents one database reachable through one driver; its limits
// bound the physical pool that the lease manager draws from.
package datasource

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
)

// Source represents a single database and the limits of its pool.
type Source struct {
	ID                 string        `yaml:"id"`
	Driver             string        `yaml:"driver"`
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Database           string        `yaml:"database"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	SSLMode            string        `yaml:"ssl_mode"`
	MaxConnections     int           `yaml:"max_connections"`
	MinIdle            int           `yaml:"min_idle"`
	MaxWaiters         int           `yaml:"max_waiters"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	AcquisitionTimeout time.Duration `yaml:"acquisition_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
}

// Addr returns the host:port address of the database server.
func (s *Source) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Backend returns the statement set for the source's driver.
func (s *Source) Backend() (Backend, error) {
	return BackendFor(s.Driver)
}

// DSN returns the driver connection string for this source.
func (s *Source) DSN() (string, error) {
	backend, err := s.Backend()
	if err != nil {
		return "", err
	}

	u := &url.URL{
		Scheme: backend.Scheme,
		User:   url.UserPassword(s.Username, s.Password),
		Host:   s.Addr(),
	}
	q := url.Values{}
	timeout := strconv.Itoa(int(s.ConnectTimeout.Seconds()))

	switch backend.Name {
	case PostgresName:
		u.Path = "/" + s.Database
		if s.SSLMode != "" {
			q.Set("sslmode", s.SSLMode)
		}
		if s.ConnectTimeout > 0 {
			q.Set("connect_timeout", timeout)
		}
	case SQLServerName:
		q.Set("database", s.Database)
		if s.ConnectTimeout > 0 {
			q.Set("connection timeout", timeout)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open creates the *sql.DB the pool dials through. One slot above
// MaxConnections stays reserved for out-of-band cancellation requests.
func Open(s *Source) (*sql.DB, error) {
	backend, err := s.Backend()
	if err != nil {
		return nil, err
	}
	dsn, err := s.DSN()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(backend.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open %s: %w", s.ID, err)
	}

	db.SetMaxOpenConns(s.MaxConnections + 1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0) // the pool manages lifetime itself
	return db, nil
}
