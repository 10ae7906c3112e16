package distckpt

import (
	"github.com/randalmurphal/distckpt/pkg/distckpt/backend/filestore"
	"github.com/randalmurphal/distckpt/pkg/distckpt/backend/nutsstore"
	"github.com/randalmurphal/distckpt/pkg/distckpt/backend/sqlitestore"
	"github.com/randalmurphal/distckpt/pkg/distckpt/strategies"
)

// RegisterBuiltins installs the lazy activation hooks for every built-in
// backend on the given registry. Activation runs on the first lookup that
// names a backend, so installing a hook costs nothing until the backend is
// used.
//
// The default registry receives the hooks at package init; call this for
// registries created with strategies.NewRegistry.
func RegisterBuiltins(r *strategies.Registry) {
	r.RegisterBackend(filestore.BackendName, filestore.Hint, filestore.Activate)
	r.RegisterBackend(sqlitestore.BackendName, sqlitestore.Hint, sqlitestore.Activate)
	r.RegisterBackend(nutsstore.BackendName, nutsstore.Hint, nutsstore.Activate)
}

func init() {
	RegisterBuiltins(strategies.Default())
}
