// Package alpctx wires together the collaborators a command needs: the
// installation database, repository index, dependency resolver,
// transaction log, and installer. It replaces the global-singleton
// ALPContext of the reference implementation with one concrete struct
// built once per process and passed by reference into command handlers.
package alpctx

import (
	"github.com/alp-project/alp/internal/config"
	"github.com/alp-project/alp/internal/db"
	"github.com/alp-project/alp/internal/repoindex"
	"github.com/alp-project/alp/internal/resolver"
	"github.com/alp-project/alp/internal/txn"
)

// Context holds every collaborator a CLI command needs, wired once at
// startup from the resolved on-disk Layout.
type Context struct {
	Layout    config.Layout
	Database  *db.DB
	Index     *repoindex.Index
	Resolver  *resolver.Resolver
	Log       *txn.Log
	Installer *txn.Installer
}

// New resolves the on-disk Layout from the environment, opens the
// installation database, and wires the rest of the collaborators around
// it.
func New() (*Context, error) {
	layout := config.Load()
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}

	database, err := db.Open(layout.DBPath)
	if err != nil {
		return nil, err
	}

	index := repoindex.New(layout.CacheDir, database)
	res := resolver.New(database, index)
	log, err := txn.OpenLog(layout.LogDir)
	if err != nil {
		database.Close()
		return nil, err
	}
	installer := txn.NewInstaller(database, index, res, layout.CacheDir, log)

	return &Context{
		Layout:    layout,
		Database:  database,
		Index:     index,
		Resolver:  res,
		Log:       log,
		Installer: installer,
	}, nil
}

// Close releases resources held by the context (currently just the
// database connection).
func (c *Context) Close() error {
	return c.Database.Close()
}
