package plugin

import (
	"fmt"
	goplugin "plugin"
)

// DefaultSymbol is the exported identifier looked up in shared objects.
const DefaultSymbol = "Plugin"

// Loader turns a plugin file into a Plugin.
type Loader interface {
	Load(path string) (Plugin, error)
}

// SharedObjectLoader opens objects built with -buildmode=plugin. The object
// exports Symbol as a Plugin variable, a Plugin value or a func() Plugin.
type SharedObjectLoader struct {
	Symbol string
}

func (l SharedObjectLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, fmt.Errorf("empty plugin path")
	}
	name := l.Symbol
	if name == "" {
		name = DefaultSymbol
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := so.Lookup(name)
	if err != nil {
		return nil, err
	}
	return fromSymbol(name, sym)
}

func fromSymbol(name string, sym any) (Plugin, error) {
	var p Plugin
	switch v := sym.(type) {
	case *Plugin:
		if v != nil {
			p = *v
		}
	case func() Plugin:
		p = v()
	case Plugin:
		p = v
	default:
		return nil, fmt.Errorf("symbol %s has type %T, want plugin.Plugin", name, sym)
	}
	if p == nil {
		return nil, fmt.Errorf("symbol %s is nil", name)
	}
	return p, nil
}
