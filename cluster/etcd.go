package cluster

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fadhilkurnia/distro/harness"
	"github.com/fadhilkurnia/distro/supervisor"
	"github.com/fadhilkurnia/distro/topology"
)

const etcdVersion = "v3.6.4"

type etcd struct{}

func init() {
	register(etcd{})
}

func (etcd) Name() string {
	return "etcd-io.etcd"
}

func (etcd) Protocols() []Protocol {
	return []Protocol{{Name: "raft", Language: "Go"}}
}

func (etcd) Bases() topology.Bases {
	return topology.Bases{
		topology.RoleClient: 2001,
		topology.RolePeer:   3001,
	}
}

func (etcd) Binding() harness.Binding {
	return harness.Binding{Interface: "etcd", Key: "etcd.endpoints", AllEndpoints: true}
}

func (etcd) Endpoints(a *topology.Assignment) []string {
	out := make([]string, a.Len())
	for i := range out {
		out[i] = "http://" + a.PublicAddr(i, topology.RoleClient)
	}

	return out
}

// etcdPaths returns the binary directory and the data directory of node i.
func etcdPaths(env *Env, i int) (binDir, dataDir string) {
	name := fmt.Sprintf("node%d", i+1)

	if env.IsLocal(i) {
		return filepath.Join(env.LocalDir, "bin"), filepath.Join(env.LocalDir, name)
	}

	return env.Dir(i, "etcd"), env.Dir(i, "etcd", name)
}

func etcdURL(version string) string {
	if version == "" {
		version = etcdVersion
	}

	return fmt.Sprintf("https://storage.googleapis.com/etcd/%s/etcd-%s-linux-amd64.tar.gz", version, version)
}

func (etcd) Deploy(ctx context.Context, env *Env) error {
	a := env.Assignment

	for i := 0; i < a.Len(); i++ {
		if !env.FirstOnHost(i) {
			continue
		}

		binDir, _ := etcdPaths(env, i)
		if err := env.Provision(ctx, i, binDir, []string{"etcd"}, []string{etcdURL(env.Version)}, 1); err != nil {
			return err
		}
	}

	members := make([]string, a.Len())
	for i := range members {
		members[i] = fmt.Sprintf("node%d=http://%s", i+1, a.Addr(i, topology.RolePeer))
	}

	initialCluster := strings.Join(members, ",")

	err := env.FanOut(ctx, func(ctx context.Context, i int) error {
		binDir, dataDir := etcdPaths(env, i)
		bin := filepath.Join(binDir, "etcd")
		name := fmt.Sprintf("node%d", i+1)
		node := a.Node(i)
		client := a.Port(i, topology.RoleClient)
		peer := a.Port(i, topology.RolePeer)

		cmd := []string{
			bin,
			"--name", name,
			"--data-dir", dataDir,
			"--listen-peer-urls", fmt.Sprintf("http://0.0.0.0:%d", peer),
			"--initial-advertise-peer-urls", "http://" + a.Addr(i, topology.RolePeer),
			"--listen-client-urls", fmt.Sprintf("http://0.0.0.0:%d", client),
			"--advertise-client-urls", fmt.Sprintf("http://%s:%d,http://%s:%d", node.Private, client, node.Public, client),
			"--initial-cluster", initialCluster,
			"--initial-cluster-state", "new",
			"--initial-cluster-token", "etcd-distrobench-cluster",
		}

		_, err := env.Spawn(ctx, i, supervisor.Spec{
			Name:      name,
			Command:   append(cmd, env.ExtraArgs...),
			Match:     bin + " --name " + name + " ",
			Artifacts: []string{dataDir},
		})

		return err
	})
	if err != nil {
		return err
	}

	return env.WaitReady(ctx, clientAddrs(a)...)
}

func (etcd) Teardown(ctx context.Context, env *Env) error {
	return env.forEach(ctx, func(i int) error {
		binDir, dataDir := etcdPaths(env, i)

		return env.Sweep(ctx, i, filepath.Join(binDir, "etcd"), []string{dataDir})
	})
}

// clientAddrs returns the public client address of every node.
func clientAddrs(a *topology.Assignment) []string {
	out := make([]string, a.Len())
	for i := range out {
		out[i] = a.PublicAddr(i, topology.RoleClient)
	}

	return out
}
