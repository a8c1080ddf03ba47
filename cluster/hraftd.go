package cluster

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/fadhilkurnia/distro/harness"
	"github.com/fadhilkurnia/distro/supervisor"
	"github.com/fadhilkurnia/distro/topology"
)

type hraftd struct{}

func init() {
	register(hraftd{})
}

func (hraftd) Name() string {
	return "otoolep.hraftd"
}

func (hraftd) Protocols() []Protocol {
	return []Protocol{{Name: "raft", Language: "Go"}}
}

func (hraftd) Bases() topology.Bases {
	return topology.Bases{
		topology.RoleClient: 11001,
		topology.RolePeer:   12001,
	}
}

func (hraftd) Binding() harness.Binding {
	return harness.Binding{Interface: "hraftd"}
}

func (hraftd) Endpoints(a *topology.Assignment) []string {
	return clientAddrs(a)
}

func hraftdDataDir(i int) string {
	return fmt.Sprintf("/tmp/hraftd-node%d", i+1)
}

// Deploy bootstraps the first node, then joins the others one at a time
// through the first node's HTTP API. Each join waits for the joining
// node's HTTP port before the next one starts.
func (hraftd) Deploy(ctx context.Context, env *Env) error {
	a := env.Assignment
	leader := net.JoinHostPort(a.Node(0).Private, strconv.Itoa(a.Port(0, topology.RoleClient)))

	for i := 0; i < a.Len(); i++ {
		bin, err := env.Stage(ctx, i, "hraftd", "hraftd")
		if err != nil {
			return err
		}

		dataDir := hraftdDataDir(i)
		if err := env.MkdirAll(ctx, i, dataDir); err != nil {
			return err
		}

		name := fmt.Sprintf("node%d", i+1)
		cmd := []string{
			bin,
			"-id", name,
			"-haddr", fmt.Sprintf("0.0.0.0:%d", a.Port(i, topology.RoleClient)),
			"-raddr", a.Addr(i, topology.RolePeer),
		}

		if i > 0 {
			cmd = append(cmd, "-join", leader)
		}

		cmd = append(cmd, env.ExtraArgs...)
		cmd = append(cmd, dataDir)

		if _, err := env.Spawn(ctx, i, supervisor.Spec{
			Name:      name,
			Command:   cmd,
			Match:     bin + " -id " + name + " ",
			Artifacts: []string{dataDir},
		}); err != nil {
			return err
		}

		if err := env.WaitReady(ctx, a.PublicAddr(i, topology.RoleClient)); err != nil {
			return fmt.Errorf("node %d: %w", i+1, err)
		}
	}

	return nil
}

func (hraftd) Teardown(ctx context.Context, env *Env) error {
	return env.forEach(ctx, func(i int) error {
		pattern := env.Dir(i, "hraftd", "hraftd") + " -id node"

		return env.Sweep(ctx, i, pattern, []string{hraftdDataDir(i)})
	})
}
