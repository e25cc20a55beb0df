// Package factory picks a provider backend by call category
package factory

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/silviot/callbridge/pkg/provider"
)

// Category is the kind of call the caller wants
type Category string

const (
	CategoryDirect    Category = "direct"
	CategoryGroup     Category = "group"
	CategoryBroadcast Category = "broadcast"
)

// ErrNoConstructor is returned when the routed kind has no constructor
var ErrNoConstructor = errors.New("factory: no constructor for provider kind")

// DefaultRoutes maps categories to backends when config says nothing
var DefaultRoutes = map[Category]provider.Kind{
	CategoryDirect:    provider.KindDirect,
	CategoryGroup:     provider.KindLiveKit,
	CategoryBroadcast: provider.KindAgora,
}

// Constructor builds a fresh, unjoined provider
type Constructor func() (provider.Provider, error)

// Config configures a Factory
type Config struct {
	// Routes override DefaultRoutes per category
	Routes map[Category]provider.Kind
	// Default is used for unknown categories; defaults to KindDirect
	Default      provider.Kind
	Constructors map[provider.Kind]Constructor
	Logger       *slog.Logger
}

// Factory builds providers by category
type Factory struct {
	routes       map[Category]provider.Kind
	fallback     provider.Kind
	constructors map[provider.Kind]Constructor
	logger       *slog.Logger
}

// New creates a factory. Every routed kind must be a known one.
func New(cfg Config) (*Factory, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Default == "" {
		cfg.Default = provider.KindDirect
	}

	routes := make(map[Category]provider.Kind, len(DefaultRoutes)+len(cfg.Routes))
	for c, k := range DefaultRoutes {
		routes[c] = k
	}
	for c, k := range cfg.Routes {
		routes[c] = k
	}
	for c, k := range routes {
		if !known(k) {
			return nil, fmt.Errorf("factory: category %q routes to unknown kind %q", c, k)
		}
	}
	if !known(cfg.Default) {
		return nil, fmt.Errorf("factory: unknown default kind %q", cfg.Default)
	}

	constructors := make(map[provider.Kind]Constructor, len(cfg.Constructors))
	for k, c := range cfg.Constructors {
		constructors[k] = c
	}

	return &Factory{
		routes:       routes,
		fallback:     cfg.Default,
		constructors: constructors,
		logger:       cfg.Logger,
	}, nil
}

func known(k provider.Kind) bool {
	switch k {
	case provider.KindDirect, provider.KindLiveKit, provider.KindAgora:
		return true
	}
	return false
}

// KindFor returns the backend for category c
func (f *Factory) KindFor(c Category) provider.Kind {
	if k, ok := f.routes[c]; ok {
		return k
	}
	return f.fallback
}

// New builds a fresh provider for category c. Only the constructor of the
// routed kind runs.
func (f *Factory) New(c Category) (provider.Provider, error) {
	kind := f.KindFor(c)
	ctor, ok := f.constructors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConstructor, kind)
	}
	p, err := ctor()
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", kind, err)
	}
	f.logger.Debug("provider created", "category", string(c), "kind", string(kind))
	return p, nil
}
