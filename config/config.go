// This package defines a common config struct which can be used by any subsystem within identd.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Debug         bool   `yaml:"debug" env:"DEBUG"`
	RootDir       string `yaml:"root_dir" env:"ROOT_DIR"`
	LoggingPrefix string `yaml:"logging_prefix" env:"LOGGING_PREFIX"`
	Console       bool   `yaml:"console" env:"CONSOLE"`

	Server       ServerConfig       `yaml:"server" envPrefix:"SERVER_"`
	Matrix       MatrixConfig       `yaml:"matrix" envPrefix:"MATRIX_"`
	AppService   AppServiceConfig   `yaml:"appsvc" envPrefix:"APPSVC_"`
	Invite       InviteConfig       `yaml:"invite" envPrefix:"INVITE_"`
	Lookup       LookupConfig       `yaml:"lookup" envPrefix:"LOOKUP_"`
	Federation   FederationConfig   `yaml:"federation" envPrefix:"FEDERATION_"`
	Storage      StorageConfig      `yaml:"storage" envPrefix:"STORAGE_"`
	Keys         KeysConfig         `yaml:"key" envPrefix:"KEY_"`
	Notification NotificationConfig `yaml:"notification" envPrefix:"NOTIFICATION_"`
	Memory       MemoryConfig       `yaml:"memory" envPrefix:"MEMORY_"`
	SQL          SQLConfig          `yaml:"sql" envPrefix:"SQL_"`

	writer       io.Writer
	customWriter bool
}

type ServerConfig struct {
	// Name is the domain used in the signatures envelope of outbound payloads.
	Name string `yaml:"name" env:"NAME"`
}

type MatrixConfig struct {
	Domain string `yaml:"domain" env:"DOMAIN"`
}

type AppServiceConfig struct {
	User AppServiceUserConfig `yaml:"user" envPrefix:"USER_"`
}

type AppServiceUserConfig struct {
	// InviteExpired is the localpart expired invitations resolve to.
	InviteExpired string `yaml:"invite_expired" env:"INVITE_EXPIRED"`
}

type InviteConfig struct {
	Expiration ExpirationConfig `yaml:"expiration" envPrefix:"EXPIRATION_"`
	Resolution ResolutionConfig `yaml:"resolution" envPrefix:"RESOLUTION_"`
	Policy     PolicyConfig     `yaml:"policy" envPrefix:"POLICY_"`
	Publish    PublishConfig    `yaml:"publish" envPrefix:"PUBLISH_"`
}

type ExpirationConfig struct {
	// Enabled is nil until set; validation turns nil into true.
	Enabled   *bool         `yaml:"enabled" env:"ENABLED"`
	After     time.Duration `yaml:"after" env:"AFTER"`
	ResolveTo string        `yaml:"resolve_to" env:"RESOLVE_TO"`
}

type ResolutionConfig struct {
	Recursive    bool          `yaml:"recursive" env:"RECURSIVE"`
	Timer        time.Duration `yaml:"timer" env:"TIMER"`
	StartupDelay time.Duration `yaml:"startup_delay" env:"STARTUP_DELAY"`
	Workers      int           `yaml:"workers" env:"WORKERS"`
	DrainTimeout time.Duration `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

type PolicyConfig struct {
	IfSender IfSenderConfig `yaml:"if_sender" envPrefix:"IF_SENDER_"`
}

type IfSenderConfig struct {
	HasRole []string `yaml:"has_role" env:"HAS_ROLE"`
}

type PublishConfig struct {
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Retries       int           `yaml:"retries" env:"RETRIES"`
	RetryInterval time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
}

type LookupConfig struct {
	BulkConcurrency int `yaml:"bulk_concurrency" env:"BULK_CONCURRENCY"`
}

type FederationConfig struct {
	// Overrides maps a homeserver domain to a fixed base URL, skipping discovery.
	Overrides   map[string]string `yaml:"overrides" env:"OVERRIDES"`
	DNSServer   string            `yaml:"dns_server" env:"DNS_SERVER"`
	Timeout     time.Duration     `yaml:"timeout" env:"TIMEOUT"`
	WellKnown   bool              `yaml:"well_known" env:"WELL_KNOWN"`
	DefaultPort int               `yaml:"default_port" env:"DEFAULT_PORT"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"`
	Path    string `yaml:"path" env:"PATH"`
	DSN     string `yaml:"dsn" env:"DSN"`
}

type KeysConfig struct {
	Path       string `yaml:"path" env:"PATH"`
	Passphrase string `yaml:"passphrase" env:"PASSPHRASE"`
}

type NotificationConfig struct {
	// Handler selects a handler id per medium.
	Handler map[string]string `yaml:"handler" env:"HANDLER"`
	Media   []string          `yaml:"media" env:"MEDIA"`
}

type MemoryConfig struct {
	Enabled     bool             `yaml:"enabled" env:"ENABLED"`
	HashEnabled bool             `yaml:"hash_enabled" env:"HASH_ENABLED"`
	Identities  []MemoryIdentity `yaml:"identities"`
}

type MemoryIdentity struct {
	Username  string           `yaml:"username"`
	Roles     []string         `yaml:"roles"`
	ThreePids []MemoryThreePid `yaml:"threepids"`
}

type MemoryThreePid struct {
	Medium  string `yaml:"medium"`
	Address string `yaml:"address"`
}

type SQLConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Driver  string `yaml:"driver" env:"DRIVER"`
	DSN     string `yaml:"dsn" env:"DSN"`
	// Query receives (medium, address) and returns a single "uid" column.
	Query   string            `yaml:"query" env:"QUERY"`
	Queries map[string]string `yaml:"queries"`
	// Type is "uid" when the column holds a localpart, "mxid" for full IDs.
	Type string `yaml:"type" env:"TYPE"`
	// HashQuery returns (medium, address, mxid) rows for every known mapping.
	HashQuery string `yaml:"hash_query" env:"HASH_QUERY"`
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else if c.LoggingPrefix == "" {
		p = source
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level),
	}
	if c.Console {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(de), zapcore.AddSync(os.Stdout), level))
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	return logger.Sugar()
}

// Writer returns the sink the JSON log core writes to.
func (c *Config) Writer() io.Writer {
	return c.writer
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

// WithLogWriter replaces the rotating log file and silences the console core.
func WithLogWriter(w io.Writer) Option {
	return func(c *Config) {
		c.writer = w
		c.customWriter = true
		c.Console = false
	}
}

func WithServerName(name string) Option {
	return func(c *Config) {
		c.Server.Name = name
	}
}

func WithMatrixDomain(domain string) Option {
	return func(c *Config) {
		c.Matrix.Domain = domain
	}
}

func WithStorageBackend(backend string) Option {
	return func(c *Config) {
		c.Storage.Backend = backend
	}
}

func WithExpiration(enabled bool, after time.Duration, resolveTo string) Option {
	return func(c *Config) {
		c.Invite.Expiration.Enabled = &enabled
		c.Invite.Expiration.After = after
		c.Invite.Expiration.ResolveTo = resolveTo
	}
}

func WithPublishRetries(retries int, interval time.Duration) Option {
	return func(c *Config) {
		c.Invite.Publish.Retries = retries
		c.Invite.Publish.RetryInterval = interval
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:         os.Getenv("DEBUG") == "1",
		RootDir:       ".",
		LoggingPrefix: "",
		Console:       true,
		AppService: AppServiceConfig{
			User: AppServiceUserConfig{InviteExpired: "_identd_expired_invite"},
		},
		Invite: InviteConfig{
			Expiration: ExpirationConfig{
				After: 7 * 24 * time.Hour,
			},
			Resolution: ResolutionConfig{
				Recursive:    true,
				Timer:        5 * time.Minute,
				StartupDelay: 5 * time.Second,
				Workers:      runtime.NumCPU(),
				DrainTimeout: time.Minute,
			},
			Publish: PublishConfig{
				Timeout:       30 * time.Second,
				Retries:       3,
				RetryInterval: 500 * time.Millisecond,
			},
		},
		Lookup: LookupConfig{
			BulkConcurrency: 8,
		},
		Federation: FederationConfig{
			Timeout:     10 * time.Second,
			WellKnown:   true,
			DefaultPort: 8448,
		},
		Storage: StorageConfig{
			Backend: StorageSQLite,
		},
		Notification: NotificationConfig{
			Handler: map[string]string{},
			Media:   []string{"email", "msisdn"},
		},
		SQL: SQLConfig{
			Type: "uid",
		},

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}
	c.finalize()
	return c
}

// StoragePath is the sqlite database file, by default under RootDir.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.RootDir, "identd.db")
}

func (c *Config) KeysPath() string {
	if c.Keys.Path != "" {
		return c.Keys.Path
	}
	return filepath.Join(c.RootDir, "keys")
}

// finalize opens the default log writer. It runs again after a config file or
// the environment changed RootDir.
func (c *Config) finalize() {
	if c.customWriter {
		return
	}
	c.writer = &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "identd.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
}
