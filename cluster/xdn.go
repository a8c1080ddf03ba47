package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/hashicorp/go-multierror"

	"github.com/fadhilkurnia/distro/harness"
	"github.com/fadhilkurnia/distro/supervisor"
	"github.com/fadhilkurnia/distro/topology"
)

const (
	xdnReconfiguratorReady = "HttpReconfigurator ready on"
	xdnServiceReady        = "non-deterministic service initialization complete"
	xdnService             = "restkv"
	xdnFuseMount           = "/tmp/xdn/state/fuselog/ar0/mnt/restkv/e0"
)

// xdnScratch is what a gigapaxos run leaves behind. The relative entries
// are created in the working directory.
var xdnScratch = []string{"/tmp/gigapaxos", "/tmp/xdn", "./output", "./derby.log"}

// NetworkPruner removes unused docker networks. The docker client
// satisfies it.
type NetworkPruner interface {
	NetworksPrune(ctx context.Context, pruneFilters filters.Args) (types.NetworksPruneReport, error)
}

type xdn struct{}

func init() {
	register(xdn{})
}

func (xdn) Name() string {
	return "fadhilkurnia.xdn"
}

func (xdn) Protocols() []Protocol {
	return []Protocol{{Name: "Primary-Backup", Language: "Java"}}
}

// Bases: peer ports go to the active replicas; the client port of the first
// node is the reconfigurator.
func (xdn) Bases() topology.Bases {
	return topology.Bases{
		topology.RolePeer:   2000,
		topology.RoleClient: 3000,
	}
}

func (xdn) Binding() harness.Binding {
	return harness.Binding{Interface: "xdn"}
}

func (xdn) Endpoints(a *topology.Assignment) []string {
	out := make([]string, a.Len())
	for i := range out {
		out[i] = a.PublicAddr(i, topology.RolePeer)
	}

	return out
}

func xdnPaths(env *Env) (script, config string) {
	return filepath.Join(env.LocalDir, "xdn", "bin", "gpServer.sh"),
		filepath.Join(env.LocalDir, "gigapaxos.properties")
}

// Deploy starts gigapaxos with every replica and the reconfigurator on this
// machine, waits for the reconfigurator, then launches the restkv service
// and waits for it to come up.
func (xdn) Deploy(ctx context.Context, env *Env) error {
	a := env.Assignment

	for i := 0; i < a.Len(); i++ {
		if !env.IsLocal(i) {
			return fmt.Errorf("node %d: %w", i+1, ErrRemoteUnsupported)
		}
	}

	tmpl, err := env.Template("gigapaxos.properties.tmpl")
	if err != nil {
		return err
	}

	script, config := xdnPaths(env)

	data := newConfigData(a, zeroBased, nil)
	data.Reconfigurator = a.Addr(0, topology.RoleClient)

	if err := env.Materialize(ctx, 0, tmpl, data, config, config); err != nil {
		return err
	}

	p, err := env.Spawn(ctx, 0, supervisor.Spec{
		Name:    "gigapaxos",
		Command: []string{script, "-DgigapaxosConfig=" + config, "start", "all"},
		Match:   "-DgigapaxosConfig=" + config,
		Watch:   true,
	})
	if err != nil {
		return err
	}

	if err := p.WaitFor(ctx, xdnReconfiguratorReady, env.TriggerTimeout); err != nil {
		return fmt.Errorf("wait for reconfigurator: %w", err)
	}

	env.Logger.InfoContext(ctx, "reconfigurator ready, launching service", slog.String("service", xdnService))

	if _, err := env.Supervisor.Run(ctx, supervisor.Spec{
		Name:    "xdn-launch",
		Command: []string{"xdn", "launch", xdnService, "--file=" + filepath.Join(env.LocalDir, xdnService+".yaml")},
		Output:  env.Output,
	}); err != nil {
		return err
	}

	if err := p.WaitFor(ctx, xdnServiceReady, env.TriggerTimeout); err != nil {
		return fmt.Errorf("wait for %s: %w", xdnService, err)
	}

	return nil
}

// Teardown force-clears gigapaxos, prunes the docker networks the services
// used, unmounts the service state and removes the scratch directories.
func (xdn) Teardown(ctx context.Context, env *Env) error {
	var result *multierror.Error

	script, config := xdnPaths(env)

	if _, err := env.Supervisor.Run(ctx, supervisor.Spec{
		Name:    "gigapaxos-forceclear",
		Command: []string{script, "-DgigapaxosConfig=" + config, "forceclear", "all"},
		Output:  env.Output,
	}); err != nil {
		result = multierror.Append(result, err)
	}

	if env.Docker != nil {
		report, err := env.Docker.NetworksPrune(ctx, filters.NewArgs())
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("prune docker networks: %w", err))
		} else {
			env.Logger.InfoContext(ctx, "pruned docker networks", slog.Any("networks", report.NetworksDeleted))
		}
	}

	if _, err := env.Supervisor.Run(ctx, supervisor.Spec{
		Name:    "fusermount",
		Command: []string{"fusermount", "-u", xdnFuseMount},
	}); err != nil {
		env.Logger.DebugContext(ctx, "service state not mounted", slog.String("error", err.Error()))
	}

	if err := env.Supervisor.Sweep(ctx, nil, "-DgigapaxosConfig="+config, xdnScratch); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
