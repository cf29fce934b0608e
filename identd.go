// This package assembles an identd instance: keys and signing, the identity stores behind the
// lookup strategy, notification handlers, invitation storage and the invitation manager. It
// owns their lifecycle so a daemon only has to call New, Start and Shutdown.
package identd

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/meow-io/go-identd/clock"
	"github.com/meow-io/go-identd/config"
	"github.com/meow-io/go-identd/crypto"
	"github.com/meow-io/go-identd/homeserver"
	"github.com/meow-io/go-identd/internal/db"
	"github.com/meow-io/go-identd/invitation"
	"github.com/meow-io/go-identd/keys"
	"github.com/meow-io/go-identd/lookup"
	"github.com/meow-io/go-identd/lookup/memory"
	"github.com/meow-io/go-identd/lookup/sqlstore"
	"github.com/meow-io/go-identd/notification"
	"github.com/meow-io/go-identd/profile"
	"github.com/meow-io/go-identd/signature"
	"github.com/meow-io/go-identd/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	StateNew = iota
	StateRunning
	StateClosed
)

const saltFile = "salt"

type Option func(*Identd)

// WithProvider registers an identity store next to the configured ones.
func WithProvider(p lookup.Provider) Option {
	return func(i *Identd) {
		i.providers = append(i.providers, p)
	}
}

func WithNotificationHandler(h notification.Handler) Option {
	return func(i *Identd) {
		i.handlers = append(i.handlers, h)
	}
}

func WithProfileProvider(p profile.Provider) Option {
	return func(i *Identd) {
		i.profileProviders = append(i.profileProviders, p)
	}
}

// WithStorage replaces the storage backend named in the configuration.
func WithStorage(s storage.Storage) Option {
	return func(i *Identd) {
		i.storage = s
	}
}

func WithResolver(r homeserver.Resolver) Option {
	return func(i *Identd) {
		i.resolver = r
	}
}

func WithClock(c clock.Clock) Option {
	return func(i *Identd) {
		i.clock = c
	}
}

func WithClientFactory(f homeserver.ClientFactory) Option {
	return func(i *Identd) {
		i.clientFactory = f
	}
}

type Identd struct {
	Keys          *keys.Manager
	Signatures    *signature.Manager
	Lookup        *lookup.Strategy
	Notifications *notification.Manager
	Profiles      *profile.Manager
	Invitations   *invitation.Manager

	config    *config.Config
	log       *zap.SugaredLogger
	state     int
	stateLock sync.Mutex
	storage   storage.Storage
	lookupDB  *db.Database

	providers        []lookup.Provider
	handlers         []notification.Handler
	profileProviders []profile.Provider
	resolver         homeserver.Resolver
	clock            clock.Clock
	clientFactory    homeserver.ClientFactory
}

// New builds every component from c. Nothing runs in the background until
// Start is called.
func New(c *config.Config, opts ...Option) (*Identd, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making identd, using root path of %s", c.RootDir)
	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}

	i := &Identd{config: c, log: log, state: StateNew}
	for _, o := range opts {
		o(i)
	}
	if err := i.build(); err != nil {
		return nil, multierr.Append(err, i.close())
	}
	return i, nil
}

func (i *Identd) build() error {
	c := i.config
	keyStore, err := i.openKeyStore()
	if err != nil {
		return err
	}
	if i.Keys, err = keys.NewManager(c, keyStore); err != nil {
		return err
	}
	i.Signatures = signature.NewManager(c, i.Keys)

	registry := lookup.NewRegistry()
	profileProviders := []profile.Provider{}
	if c.Memory.Enabled {
		store := memory.NewStore(c)
		registry.Register(store)
		profileProviders = append(profileProviders, store)
	}
	if c.SQL.Enabled {
		driver := c.SQL.Driver
		if driver == "" {
			driver = db.DriverSQLite
		}
		if i.lookupDB, err = db.Open(c, driver, c.SQL.DSN); err != nil {
			return err
		}
		store, err := sqlstore.New(c, i.lookupDB.Conn)
		if err != nil {
			return err
		}
		registry.Register(store)
	}
	registry.Register(i.providers...)
	i.Lookup = lookup.NewStrategy(c, registry)
	if len(i.Lookup.LocalProviders()) == 0 {
		i.log.Warnf("no local identity store is configured")
	}

	handlers := make([]notification.Handler, 0, len(c.Notification.Media)+len(i.handlers))
	for _, medium := range c.Notification.Media {
		handlers = append(handlers, notification.NewLogHandler(c, medium))
	}
	handlers = append(handlers, i.handlers...)
	if i.Notifications, err = notification.NewManager(c, handlers); err != nil {
		return err
	}
	i.Profiles = profile.NewManager(c, append(profileProviders, i.profileProviders...)...)

	if i.storage == nil {
		if i.storage, err = storage.Open(c); err != nil {
			return err
		}
	}
	if i.resolver == nil {
		i.resolver = homeserver.NewFederationResolver(c)
	}

	i.Invitations, err = invitation.NewManager(c, invitation.Dependencies{
		Storage:       i.storage,
		Lookup:        i.Lookup,
		Keys:          i.Keys,
		Signatures:    i.Signatures,
		Resolver:      i.resolver,
		Notifications: i.Notifications,
		Profiles:      i.Profiles,
		Clock:         i.clock,
		ClientFactory: i.clientFactory,
	})
	return err
}

// openKeyStore uses the key directory, sealing key files when a passphrase
// is configured.
func (i *Identd) openKeyStore() (keys.Store, error) {
	dir := i.config.KeysPath()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	var sealKey []byte
	if i.config.Keys.Passphrase != "" {
		var err error
		if sealKey, err = crypto.DeriveKey(i.config.Keys.Passphrase, filepath.Join(dir, saltFile)); err != nil {
			return nil, err
		}
	} else {
		i.log.Warnf("no key passphrase configured, keys are stored unencrypted in %s", dir)
	}
	return keys.NewFileStore(dir, sealKey)
}

func (i *Identd) State() int {
	i.stateLock.Lock()
	defer i.stateLock.Unlock()
	return i.state
}

func (i *Identd) Start() error {
	i.stateLock.Lock()
	defer i.stateLock.Unlock()
	if i.state != StateNew {
		return fmt.Errorf("expected state %d, was %d", StateNew, i.state)
	}
	if err := i.Invitations.Start(); err != nil {
		return err
	}
	i.state = StateRunning
	i.log.Infof("identd running for %s", i.config.Server.Name)
	return nil
}

// Shutdown drains the invitation manager and closes storage.
func (i *Identd) Shutdown() error {
	i.stateLock.Lock()
	defer i.stateLock.Unlock()
	if i.state == StateClosed {
		return nil
	}
	var errs error
	if i.Invitations != nil {
		errs = multierr.Append(errs, i.Invitations.Shutdown())
	}
	errs = multierr.Append(errs, i.close())
	i.state = StateClosed
	if errs != nil {
		return fmt.Errorf("error during shutdown: %w", errs)
	}
	return nil
}

func (i *Identd) close() error {
	var errs error
	if i.storage != nil {
		errs = multierr.Append(errs, i.storage.Close())
	}
	if i.lookupDB != nil {
		errs = multierr.Append(errs, i.lookupDB.Close())
	}
	return errs
}

// ServerKey returns the server signing key and its public half.
func (i *Identd) ServerKey() (keys.Identifier, string, error) {
	id, err := i.Keys.ServerSigningKey()
	if err != nil {
		return keys.Identifier{}, "", err
	}
	pub, err := i.Keys.PublicKeyBase64(id)
	if err != nil {
		return keys.Identifier{}, "", err
	}
	return id, pub, nil
}
