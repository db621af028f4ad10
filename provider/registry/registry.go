// Package registry wires the built-in provider adapters into a fresh
// provider.Registry. It exists only to break the import cycle that
// would result from provider/local and provider/hfremote importing
// provider (to implement its Adapter interface) while provider itself
// tried to import them back for registration.
package registry

import (
	"github.com/knowdisk/vfscore/provider"
	"github.com/knowdisk/vfscore/provider/hfremote"
	"github.com/knowdisk/vfscore/provider/local"
)

// NewDefault returns a provider.Registry with the "local" and
// "huggingface" factories pre-registered.
func NewDefault() *provider.Registry {
	r := provider.NewRegistry()
	r.Register(local.ProviderType, local.New)
	r.Register(hfremote.ProviderType, hfremote.New)
	return r
}
