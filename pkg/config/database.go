package config

import "fmt"

// DatabaseConfig describes one SQL backing store. The same shape serves the
// cache (sqlite), the conversation repository and the telemetry event log
// (postgres or mysql).
type DatabaseConfig struct {
	// Driver is one of "sqlite3", "postgres", "mysql".
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`

	// Path is the database file for sqlite.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Dsn is the full connection string for server databases. It overrides
	// the individual fields below when set.
	Dsn string `yaml:"dsn,omitempty" json:"dsn,omitempty"`

	Host     string `yaml:"host,omitempty" json:"host,omitempty"`
	Port     int    `yaml:"port,omitempty" json:"port,omitempty"`
	User     string `yaml:"user,omitempty" json:"user,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	SSLMode  string `yaml:"ssl_mode,omitempty" json:"ssl_mode,omitempty"`

	MaxConns int `yaml:"max_conns,omitempty" json:"max_conns,omitempty"`
	MaxIdle  int `yaml:"max_idle,omitempty" json:"max_idle,omitempty"`
}

// SetDefaults applies default values.
func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		if c.Path != "" {
			c.Driver = "sqlite3"
		} else {
			c.Driver = "postgres"
		}
	}
	if c.Driver == "postgres" {
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port == 0 {
			c.Port = 5432
		}
		if c.SSLMode == "" {
			c.SSLMode = "disable"
		}
	}
	if c.Driver == "mysql" && c.Port == 0 {
		c.Port = 3306
	}
}

// DriverName returns the database/sql driver name.
func (c *DatabaseConfig) DriverName() string {
	return c.Driver
}

// DSN builds the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.Dsn != "" {
		return c.Dsn
	}
	switch c.Driver {
	case "sqlite3":
		return c.Path
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Name)
	default:
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	}
}

// Validate checks the database configuration.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite3":
		if c.Path == "" && c.Dsn == "" {
			return fmt.Errorf("sqlite requires a path")
		}
	case "postgres", "mysql":
		if c.Dsn == "" && c.Name == "" {
			return fmt.Errorf("%s requires a dsn or database name", c.Driver)
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Driver)
	}
	return nil
}
