package cluster

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fadhilkurnia/distro/harness"
	"github.com/fadhilkurnia/distro/supervisor"
	"github.com/fadhilkurnia/distro/topology"
)

const tikvVersion = "v7.5.0"

type tikv struct{}

func init() {
	register(tikv{})
}

func (tikv) Name() string {
	return "tikv.tikv"
}

func (tikv) Protocols() []Protocol {
	return []Protocol{{
		Name:        "raft",
		Language:    "Rust",
		Consistency: "Linearizability",
		Persistency: "On-Disk",
	}}
}

// Bases: client is the PD client port, peer the PD peer port and service
// the TiKV store port.
func (tikv) Bases() topology.Bases {
	return topology.Bases{
		topology.RoleClient:  2001,
		topology.RolePeer:    3001,
		topology.RoleService: 2101,
	}
}

func (tikv) Binding() harness.Binding {
	return harness.Binding{Interface: "tikv", Key: "tikv.clientConnect", AllEndpoints: true}
}

func (tikv) Endpoints(a *topology.Assignment) []string {
	return clientAddrs(a)
}

type tikvPaths struct {
	bin     string
	pd      string
	pdData  string
	kv      string
	kvData  string
	pattern string
}

func tikvLayout(env *Env, i int) tikvPaths {
	var bin, data string

	if env.IsLocal(i) {
		bin, data = filepath.Join(env.LocalDir, "bin"), env.LocalDir
	} else {
		bin = env.Dir(i, "tikv")
		data = bin
	}

	return tikvPaths{
		bin:     bin,
		pd:      filepath.Join(bin, "pd-server"),
		pdData:  filepath.Join(data, fmt.Sprintf("pd%d", i+1)),
		kv:      filepath.Join(bin, "tikv-server"),
		kvData:  filepath.Join(data, fmt.Sprintf("tikv%d", i+1)),
		pattern: bin + "/.*-server",
	}
}

func tikvURLs(version string) []string {
	if version == "" {
		version = tikvVersion
	}

	return []string{
		fmt.Sprintf("https://tiup-mirrors.pingcap.com/pd-%s-linux-amd64.tar.gz", version),
		fmt.Sprintf("https://tiup-mirrors.pingcap.com/tikv-%s-linux-amd64.tar.gz", version),
	}
}

// Deploy starts PD and then TiKV on each node in order. TiKV retries its PD
// connection on its own, so only PD ordering matters.
func (tikv) Deploy(ctx context.Context, env *Env) error {
	a := env.Assignment

	members := make([]string, a.Len())
	pdEndpoints := make([]string, a.Len())

	for i := range members {
		members[i] = fmt.Sprintf("pd%d=http://%s", i+1, a.Addr(i, topology.RolePeer))
		pdEndpoints[i] = net.JoinHostPort(a.Node(i).Private, strconv.Itoa(a.Port(i, topology.RoleClient)))
	}

	for i := 0; i < a.Len(); i++ {
		p := tikvLayout(env, i)
		node := a.Node(i)

		if env.FirstOnHost(i) {
			probes := []string{"pd-server", "tikv-server"}
			if err := env.Provision(ctx, i, p.bin, probes, tikvURLs(env.Version), 0); err != nil {
				return err
			}
		}

		client := a.Port(i, topology.RoleClient)
		peer := a.Port(i, topology.RolePeer)
		service := a.Port(i, topology.RoleService)
		pdName := fmt.Sprintf("pd%d", i+1)

		_, err := env.Spawn(ctx, i, supervisor.Spec{
			Name: pdName,
			Command: []string{
				p.pd,
				"--name=" + pdName,
				"--data-dir=" + p.pdData,
				fmt.Sprintf("--client-urls=http://0.0.0.0:%d", client),
				fmt.Sprintf("--advertise-client-urls=http://%s:%d", node.Public, client),
				fmt.Sprintf("--peer-urls=http://0.0.0.0:%d", peer),
				"--advertise-peer-urls=http://" + a.Addr(i, topology.RolePeer),
				"--initial-cluster=" + strings.Join(members, ","),
			},
			Match:     p.pd + " --name=" + pdName + " ",
			Artifacts: []string{p.pdData},
		})
		if err != nil {
			return err
		}

		cmd := []string{
			p.kv,
			fmt.Sprintf("--addr=0.0.0.0:%d", service),
			"--advertise-addr=" + a.PublicAddr(i, topology.RoleService),
			"--data-dir=" + p.kvData,
			"--pd-endpoints=" + strings.Join(pdEndpoints, ","),
		}

		_, err = env.Spawn(ctx, i, supervisor.Spec{
			Name:      fmt.Sprintf("tikv%d", i+1),
			Command:   append(cmd, env.ExtraArgs...),
			Match:     fmt.Sprintf("%s --addr=0.0.0.0:%d ", p.kv, service),
			Artifacts: []string{p.kvData},
		})
		if err != nil {
			return err
		}
	}

	return env.WaitReady(ctx, clientAddrs(a)...)
}

func (tikv) Teardown(ctx context.Context, env *Env) error {
	return env.forEach(ctx, func(i int) error {
		p := tikvLayout(env, i)

		return env.Sweep(ctx, i, p.pattern, []string{p.pdData, p.kvData})
	})
}
