// Package openbsd implements package and service providers for OpenBSD.
//
// The package provider drives pkg_info, pkg_add and pkg_delete with the
// resource source exported as PKG_PATH. The service provider manages
// processes like the simple provider and enables daemons through
// <daemon>_flags assignments in /etc/rc.conf.local.
package openbsd

import (
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/providers/service"
)

// Platform is the platform name reported by uname on OpenBSD.
const Platform = "openbsd"

// Register adds the OpenBSD providers to registry.
func Register(registry *engine.Registry) error {
	regs := []engine.ProviderRegistration{
		{
			Name:     PackageProviderName,
			Type:     engine.ResourceTypePackage,
			Platform: Platform,
			Actions:  PackageActions,
			Factory:  PackageFactory,
		},
		{
			Name:     ServiceProviderName,
			Type:     engine.ResourceTypeService,
			Platform: Platform,
			Actions:  service.Actions,
			Factory:  ServiceFactory,
		},
	}
	for _, reg := range regs {
		if err := registry.Register(reg); err != nil {
			return err
		}
	}
	return nil
}
