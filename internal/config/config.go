package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
)

const (
	SourceEnv     = "env"
	SourceLiteral = "literal"

	SplitNaive  = "naive"
	SplitQuoted = "quoted"

	DefaultSchemaPath = "../database/database.sql"
	defaultMySQLPort  = "3306"
)

// ConnectionConfig holds the credentials and target of the schema database.
// Fields are used as given; nothing here checks that they are present.
type ConnectionConfig struct {
	User     string
	Password string
	Host     string
	Port     string
	Database string
}

type Config struct {
	Source            string
	Connection        ConnectionConfig
	SchemaPath        string
	CheckFileExists   bool
	RollbackOnFailure bool
	SplitMode         string
	LogLevel          string
}

// Literal returns the connection fields that ship with the tool.
func Literal() ConnectionConfig {
	return ConnectionConfig{
		User:     "your_db_user",
		Password: "your_db_password",
		Host:     "localhost",
		Database: "pos_system",
	}
}

// FromEnv reads DB_USER, DB_PASSWORD, DB_HOST and DB_NAME verbatim.
func FromEnv() ConnectionConfig {
	return ConnectionConfig{
		User:     os.Getenv("DB_USER"),
		Password: os.Getenv("DB_PASSWORD"),
		Host:     os.Getenv("DB_HOST"),
		Port:     os.Getenv("DB_PORT"),
		Database: os.Getenv("DB_NAME"),
	}
}

// Load reads a .env file from the working directory when present and then
// builds the config from the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnvironment()
}

// FromEnvironment builds the config from the process environment only.
func FromEnvironment() (Config, error) {
	cfg := Config{
		Source:     strings.ToLower(getEnv("APPLIER_CONFIG_SOURCE", SourceEnv)),
		SchemaPath: getEnv("SCHEMA_PATH", DefaultSchemaPath),
		SplitMode:  strings.ToLower(getEnv("APPLIER_SPLIT_MODE", SplitNaive)),
		LogLevel:   getEnv("APPLIER_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.CheckFileExists, err = getBool("APPLIER_CHECK_FILE_EXISTS", true); err != nil {
		return Config{}, err
	}
	if cfg.RollbackOnFailure, err = getBool("APPLIER_ROLLBACK_ON_FAILURE", true); err != nil {
		return Config{}, err
	}

	switch cfg.Source {
	case SourceEnv:
		cfg.Connection = FromEnv()
	case SourceLiteral:
		cfg.Connection = Literal()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the tool settings. Connection fields are deliberately left
// alone: a missing value surfaces as a connection error.
func (c Config) Validate() error {
	switch c.Source {
	case SourceEnv, SourceLiteral:
	default:
		return fmt.Errorf("APPLIER_CONFIG_SOURCE must be %q or %q, got %q", SourceEnv, SourceLiteral, c.Source)
	}
	switch c.SplitMode {
	case SplitNaive, SplitQuoted:
	default:
		return fmt.Errorf("APPLIER_SPLIT_MODE must be %q or %q, got %q", SplitNaive, SplitQuoted, c.SplitMode)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("APPLIER_LOG_LEVEL %q is not a known level", c.LogLevel)
	}
	if strings.TrimSpace(c.SchemaPath) == "" {
		return errors.New("SCHEMA_PATH is empty")
	}
	return nil
}

// Addr returns host:port, defaulting the port to 3306.
func (c ConnectionConfig) Addr() string {
	if _, _, err := net.SplitHostPort(c.Host); err == nil {
		return c.Host
	}
	port := c.Port
	if port == "" {
		port = defaultMySQLPort
	}
	return net.JoinHostPort(c.Host, port)
}

// DSN formats the connection for the go-sql-driver/mysql driver.
func (c ConnectionConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = c.Addr()
	cfg.DBName = c.Database
	cfg.AllowNativePasswords = true
	return cfg.FormatDSN()
}

// String hides the password so the config can be logged.
func (c ConnectionConfig) String() string {
	return fmt.Sprintf("%s@%s/%s", c.User, c.Addr(), c.Database)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}
