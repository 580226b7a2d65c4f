package discovery

import (
	"fmt"

	"github.com/linkerd/multipass/proxy/route"
)

type (
	// NotConfiguredError is returned when discovery is asked about a backend
	// that does not appear in the configuration.
	NotConfiguredError struct {
		Name route.Name
	}

	// NotResolvedError is returned when a configured backend has no
	// currently advertised address.
	NotResolvedError struct {
		Name route.Name
	}
)

func (e NotConfiguredError) Error() string {
	return fmt.Sprintf("service %s is not configured", e.Name)
}

func (e NotResolvedError) Error() string {
	return fmt.Sprintf("service %s has not been resolved", e.Name)
}
