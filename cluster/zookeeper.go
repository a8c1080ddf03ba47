package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fadhilkurnia/distro/harness"
	"github.com/fadhilkurnia/distro/supervisor"
	"github.com/fadhilkurnia/distro/topology"
)

// zookeeperRoot is the node created for the YCSB binding to write under.
const zookeeperRoot = "/benchmark"

type zookeeper struct{}

func init() {
	register(zookeeper{})
}

func (zookeeper) Name() string {
	return "apache.zookeeper"
}

func (zookeeper) Protocols() []Protocol {
	return []Protocol{{Name: "Zab", Language: "Java"}}
}

func (zookeeper) Bases() topology.Bases {
	return topology.Bases{
		topology.RoleClient:   2181,
		topology.RolePeer:     2888,
		topology.RoleElection: 3888,
	}
}

func (zookeeper) Binding() harness.Binding {
	return harness.Binding{Interface: "zookeeper", Key: "zookeeper.connectString", AllEndpoints: true}
}

func (zookeeper) Endpoints(a *topology.Assignment) []string {
	return clientAddrs(a)
}

type zookeeperPaths struct {
	server  string
	node    string
	config  string
	dataDir string
}

func zookeeperLayout(env *Env, i int) zookeeperPaths {
	node := env.Dir(i, "zookeeper", "zk-cluster", fmt.Sprintf("node%d", i+1))

	return zookeeperPaths{
		server:  env.Dir(i, "zookeeper", "apache-zookeeper", "bin", "zkServer.sh"),
		node:    node,
		config:  filepath.Join(node, "zoo.cfg"),
		dataDir: filepath.Join(node, "data"),
	}
}

// Deploy writes zoo.cfg and myid for every server, starts them through
// zkServer.sh, then creates the root node the benchmark writes under.
func (z zookeeper) Deploy(ctx context.Context, env *Env) error {
	a := env.Assignment

	cfgTmpl, err := env.Template("zoo.cfg.tmpl")
	if err != nil {
		return err
	}

	myidTmpl, err := env.Template("myid.tmpl")
	if err != nil {
		return err
	}

	data := newConfigData(a, oneBased, nil)

	for i := 0; i < a.Len(); i++ {
		if env.FirstOnHost(i) {
			if _, err := env.Stage(ctx, i, "zookeeper", "apache-zookeeper"); err != nil {
				return err
			}
		}

		p := zookeeperLayout(env, i)
		localNode := filepath.Join(env.LocalDir, "zk-cluster", fmt.Sprintf("node%d", i+1))
		nodeData := data.For(i, p.dataDir)

		if err := env.Materialize(ctx, i, cfgTmpl, nodeData,
			filepath.Join(localNode, "zoo.cfg"), p.config); err != nil {
			return err
		}

		if err := env.Materialize(ctx, i, myidTmpl, nodeData,
			filepath.Join(localNode, "data", "myid"), filepath.Join(p.dataDir, "myid")); err != nil {
			return err
		}

		if _, err := env.Exec(ctx, i, supervisor.Spec{
			Name:    fmt.Sprintf("zk%d", i+1),
			Command: []string{p.server, "start", p.config},
		}); err != nil {
			return err
		}
	}

	endpoints := z.Endpoints(a)
	if err := env.WaitReady(ctx, endpoints...); err != nil {
		return err
	}

	cli := filepath.Join(env.LocalDir, "apache-zookeeper", "bin", "zkCli.sh")

	_, err = env.Supervisor.Run(ctx, supervisor.Spec{
		Name:    "zkcli",
		Command: []string{cli, "-server", endpoints[0]},
		Stdin:   strings.NewReader("create " + zookeeperRoot + "\nquit\n"),
		Output:  env.Output,
	})
	if err != nil {
		return fmt.Errorf("create %s: %w", zookeeperRoot, err)
	}

	return nil
}

// Teardown stops every server through zkServer.sh, kills any server that
// survived by its config path and removes the server data.
func (zookeeper) Teardown(ctx context.Context, env *Env) error {
	return env.forEach(ctx, func(i int) error {
		p := zookeeperLayout(env, i)

		if _, err := env.Exec(ctx, i, supervisor.Spec{
			Name:    fmt.Sprintf("zk%d", i+1),
			Command: []string{p.server, "stop", p.config},
		}); err != nil {
			// zkServer.sh fails when there is no pid file, e.g. nothing runs.
			env.nodeLogger(i).WarnContext(ctx, "zkServer.sh stop failed", slog.String("error", err.Error()))
		}

		return env.Sweep(ctx, i, "QuorumPeerMain "+p.config, []string{p.dataDir})
	})
}
