package vfd

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// ErrUnknownProtocol is returned when a registry has no entry for a name.
var ErrUnknownProtocol = errors.New("vfd: unknown protocol")

// Constructor creates a Protocol.
type Constructor func(logger *slog.Logger) Protocol

// Registry maps drive family names to constructors. It is filled by the
// application at startup; protocols do not register themselves.
type Registry map[string]Constructor

// New creates the protocol registered as name. Names are case insensitive.
func (r Registry) New(name string, logger *slog.Logger) (Protocol, error) {
	for key, ctor := range r {
		if strings.EqualFold(key, name) {
			return ctor(logger), nil
		}
	}
	return nil, fmt.Errorf("%w '%s', known: %s", ErrUnknownProtocol, name, strings.Join(r.Names(), ", "))
}

// Names returns the registered names in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
