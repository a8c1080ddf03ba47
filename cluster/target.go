// Package cluster deploys the benchmarked systems. Every system is a
// Target with its own start, stop and endpoint rules; Env hides whether a
// node is local or reached over SSH, and Session ties one target, its nodes
// and the process supervisor together for one orchestration run.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fadhilkurnia/distro/harness"
	"github.com/fadhilkurnia/distro/topology"
)

var (
	// ErrUnknownTarget is returned by Lookup for an unregistered system.
	ErrUnknownTarget = errors.New("unknown target system")

	// ErrUnknownProtocol is returned when a target does not offer the
	// requested protocol.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrRemoteUnsupported is returned by targets that can only run on
	// this machine when a node is remote.
	ErrRemoteUnsupported = errors.New("target does not support remote nodes")
)

// Protocol is one consensus protocol a target can run, with the labels
// stored alongside its results.
type Protocol struct {
	Name        string
	Language    string
	Consistency string
	Persistency string
}

// Target is one benchmarked system.
type Target interface {
	// Name is the system name stored with results, e.g. "etcd-io.etcd".
	Name() string
	// Protocols lists the selectable protocols; the first is the default.
	Protocols() []Protocol
	// Bases are the first ports handed out per role.
	Bases() topology.Bases
	// Binding tells YCSB how to reach the cluster.
	Binding() harness.Binding
	// Deploy starts every node and returns once the cluster is usable.
	Deploy(ctx context.Context, env *Env) error
	// Teardown stops whatever Deploy started, including processes the
	// current session does not track, and removes their data.
	Teardown(ctx context.Context, env *Env) error
	// Endpoints returns the client-reachable addresses in node order.
	Endpoints(a *topology.Assignment) []string
}

var registry = map[string]Target{}

func register(t Target) {
	if _, dup := registry[t.Name()]; dup {
		panic("cluster: duplicate target " + t.Name())
	}

	registry[t.Name()] = t
}

// Lookup returns the registered target called name.
func Lookup(name string) (Target, error) {
	t, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownTarget, name, strings.Join(Names(), ", "))
	}

	return t, nil
}

// Names returns the registered target names in order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

// Targets returns every registered target ordered by name.
func Targets() []Target {
	names := Names()
	out := make([]Target, 0, len(names))

	for _, n := range names {
		out = append(out, registry[n])
	}

	return out
}

// ResolveProtocol picks name from t's protocols, or the default when name
// is empty.
func ResolveProtocol(t Target, name string) (Protocol, error) {
	protocols := t.Protocols()

	if name == "" {
		return protocols[0], nil
	}

	for _, p := range protocols {
		if p.Name == name {
			return p, nil
		}
	}

	names := make([]string, 0, len(protocols))
	for _, p := range protocols {
		names = append(names, p.Name)
	}

	return Protocol{}, fmt.Errorf("%w %q for %s (known: %s)",
		ErrUnknownProtocol, name, t.Name(), strings.Join(names, ", "))
}
