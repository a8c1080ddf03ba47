package cluster

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fadhilkurnia/distro/harness"
	"github.com/fadhilkurnia/distro/supervisor"
	"github.com/fadhilkurnia/distro/topology"
)

var paxiAlgorithms = []string{
	"paxos", "epaxos", "sdpaxos", "wpaxos", "abd", "chain", "vpaxos",
	"wankeeper", "kpaxos", "paxos_groups", "dynamo", "blockchain",
	"m2paxos", "hpaxos",
}

type paxi struct{}

func init() {
	register(paxi{})
}

func (paxi) Name() string {
	return "ailidani.paxi"
}

func (paxi) Protocols() []Protocol {
	out := make([]Protocol, len(paxiAlgorithms))
	for i, name := range paxiAlgorithms {
		out[i] = Protocol{Name: name, Language: "Go"}
	}

	return out
}

func (paxi) Bases() topology.Bases {
	return topology.Bases{
		topology.RoleClient: 2001,
		topology.RolePeer:   3001,
	}
}

func (paxi) Binding() harness.Binding {
	return harness.Binding{Interface: "paxi"}
}

func (paxi) Endpoints(a *topology.Assignment) []string {
	return clientAddrs(a)
}

// paxiID places three nodes per zone: 1.1, 1.2, 1.3, 2.1, ...
func paxiID(i int) string {
	return fmt.Sprintf("%d.%d", i/3+1, i%3+1)
}

func (paxi) Deploy(ctx context.Context, env *Env) error {
	a := env.Assignment

	tmpl, err := env.Template("paxi.json.tmpl")
	if err != nil {
		return err
	}

	data := newConfigData(a, zeroBased, paxiID)
	localConfig := filepath.Join(env.LocalDir, "config.json")

	bins := make([]string, a.Len())

	for i := 0; i < a.Len(); i++ {
		if !env.FirstOnHost(i) {
			continue
		}

		if bins[i], err = env.Stage(ctx, i, "paxi", "paxi/bin/server"); err != nil {
			return err
		}

		err := env.Materialize(ctx, i, tmpl, data, localConfig, env.Dir(i, "paxi", "config.json"))
		if err != nil {
			return err
		}
	}

	for i := range bins {
		if bins[i] == "" {
			bins[i] = bins[env.hostLeader(i)]
		}
	}

	err = env.FanOut(ctx, func(ctx context.Context, i int) error {
		id := paxiID(i)
		cmd := []string{
			bins[i],
			"-id", id,
			"-algorithm=" + env.Protocol.Name,
			"-config", env.Dir(i, "paxi", "config.json"),
		}

		_, err := env.Spawn(ctx, i, supervisor.Spec{
			Name:    "paxi" + id,
			Command: append(cmd, env.ExtraArgs...),
			Dir:     env.Dir(i, "paxi"),
			Match:   bins[i] + " -id " + id + " ",
		})

		return err
	})
	if err != nil {
		return err
	}

	return env.WaitReady(ctx, clientAddrs(a)...)
}

func (paxi) Teardown(ctx context.Context, env *Env) error {
	return env.forEach(ctx, func(i int) error {
		workDir := env.Dir(i, "paxi")
		pattern := env.Dir(i, "paxi", "paxi", "bin", "server") + " -id "

		return env.Sweep(ctx, i, pattern, []string{filepath.Join(workDir, "server.*")})
	})
}
