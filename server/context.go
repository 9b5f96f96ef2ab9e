package server

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Polqt/collabd/docservice"
	"github.com/Polqt/collabd/persistence"
	"github.com/Polqt/collabd/session"
)

// Context is the one place every collaboration primitive is constructed and
// held. cmd/collabd builds exactly one Context and threads it into the
// transport layer; nothing in this module reaches for a package-level
// singleton.
type Context struct {
	Config   Config
	Log      *logrus.Logger
	Store    persistence.Store
	Docs     *docservice.Service
	Sessions *session.Manager

	closer func() error
}

// New builds a Context from cfg: it opens the configured storage backend,
// constructs the document service and session manager over it, and wires a
// shared logger through both.
func New(cfg Config, log *logrus.Logger) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var store persistence.Store
	var closer func() error

	switch cfg.Storage {
	case "badger":
		b, err := persistence.OpenBadger(cfg.BadgerDir)
		if err != nil {
			return nil, errors.Wrap(err, "server: open badger store")
		}
		store = b
		closer = b.Close
	default:
		store = persistence.NewMemory()
		closer = func() error { return nil }
	}

	docs := docservice.New(store, log)
	sessions := session.NewManager()

	return &Context{
		Config:   cfg,
		Log:      log,
		Store:    store,
		Docs:     docs,
		Sessions: sessions,
		closer:   closer,
	}, nil
}

// Close releases resources held by the underlying storage backend (a no-op
// for the in-memory backend).
func (c *Context) Close() error {
	return c.closer()
}
