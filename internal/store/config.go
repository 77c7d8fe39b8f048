package store

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite3"
)

// Config describes the authoritative store. DSN, when set, wins over the
// individual connection fields.
type Config struct {
	Driver         string        `json:"driver" yaml:"driver"`
	DSN            string        `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Host           string        `json:"host" yaml:"host"`
	Port           int           `json:"port,omitempty" yaml:"port,omitempty"`
	User           string        `json:"user,omitempty" yaml:"user,omitempty"`
	Password       string        `json:"password,omitempty" yaml:"password,omitempty"`
	Database       string        `json:"database" yaml:"database"`
	TLS            bool          `json:"tls,omitempty" yaml:"tls,omitempty"`
	MaxConns       int           `json:"max_conns" yaml:"max_conns"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	QueryTimeout   time.Duration `json:"query_timeout" yaml:"query_timeout"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Driver:         DriverPostgres,
		Host:           "localhost",
		Database:       "snapcache",
		MaxConns:       4,
		ConnectTimeout: 5 * time.Second,
		QueryTimeout:   10 * time.Second,
	}
}

// DefaultPort returns the conventional port for the driver.
func (c Config) DefaultPort() int {
	switch c.Driver {
	case DriverPostgres:
		return 5432
	case DriverMySQL:
		return 3306
	default:
		return 0
	}
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = c.DefaultPort()
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// DataSource returns the driver-specific connection string.
func (c Config) DataSource() (string, error) {
	if c.DSN != "" {
		return c.DSN, nil
	}
	switch c.Driver {
	case DriverPostgres:
		if c.Host == "" {
			return "", fmt.Errorf("postgres host is required")
		}
		u := url.URL{
			Scheme: "postgres",
			Host:   c.addr(),
			Path:   "/" + c.Database,
		}
		if c.User != "" {
			u.User = url.UserPassword(c.User, c.Password)
		}
		q := url.Values{}
		if c.TLS {
			q.Set("sslmode", "require")
		} else {
			q.Set("sslmode", "disable")
		}
		if c.ConnectTimeout > 0 {
			q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	case DriverMySQL:
		if c.Host == "" {
			return "", fmt.Errorf("mysql host is required")
		}
		mc := mysql.NewConfig()
		mc.User = c.User
		mc.Passwd = c.Password
		mc.Net = "tcp"
		mc.Addr = c.addr()
		mc.DBName = c.Database
		mc.ParseTime = true
		mc.Loc = time.UTC
		mc.Timeout = c.ConnectTimeout
		if c.TLS {
			mc.TLSConfig = "true"
		}
		return mc.FormatDSN(), nil
	case DriverSQLite:
		if c.Database == "" {
			return "", fmt.Errorf("sqlite3 database path is required")
		}
		return c.Database, nil
	default:
		return "", fmt.Errorf("unknown store driver: %q", c.Driver)
	}
}

// Validate checks the store settings.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
	default:
		return fmt.Errorf("store.driver must be one of postgres, mysql, sqlite3 (got %q)", c.Driver)
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("store.max_conns must not be negative")
	}
	// Shared fetches outlive their callers, so this is their only bound.
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("store.query_timeout must be positive")
	}
	_, err := c.DataSource()
	return err
}
