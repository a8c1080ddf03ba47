package cluster

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fadhilkurnia/distro/harness"
	"github.com/fadhilkurnia/distro/supervisor"
	"github.com/fadhilkurnia/distro/topology"
)

// HoliPaxos replicas listen for clients one port above their consensus
// port, so replicas sharing a host are spread holipaxosStride apart.
const (
	holipaxosBase   = 10000
	holipaxosStride = 1000
)

// holipaxosReplicant is the binary and flag style of one protocol.
type holipaxosReplicant struct {
	binary string
	gnu    bool
}

var holipaxosReplicants = map[string]holipaxosReplicant{
	"holipaxos":  {binary: "holipaxos_replicant"},
	"multipaxos": {binary: "multipaxos_replicant"},
	"omnipaxos":  {binary: "omni_replicant", gnu: true},
}

func (r holipaxosReplicant) args(id int, config string) []string {
	if r.gnu {
		return []string{"--id", strconv.Itoa(id), "--config-path", config}
	}

	return []string{"-id", strconv.Itoa(id), "-c", config, "-d"}
}

type holipaxos struct{}

func init() {
	register(holipaxos{})
}

func (holipaxos) Name() string {
	return "holipaxos-artifect.holipaxos"
}

func (holipaxos) Protocols() []Protocol {
	return []Protocol{
		{Name: "holipaxos", Language: "Go"},
		{Name: "multipaxos", Language: "Go"},
		{Name: "omnipaxos", Language: "Rust"},
	}
}

// Bases hands out one peer slot per replica on a host; holipaxosPorts
// turns the slot into the real consensus and client ports.
func (holipaxos) Bases() topology.Bases {
	return topology.Bases{topology.RolePeer: 0}
}

func (holipaxos) Binding() harness.Binding {
	return harness.Binding{Interface: "holipaxos"}
}

func holipaxosPorts(a *topology.Assignment, i int) (consensus, client int) {
	consensus = holipaxosBase + holipaxosStride*a.Port(i, topology.RolePeer)

	return consensus, consensus + 1
}

func (holipaxos) Endpoints(a *topology.Assignment) []string {
	out := make([]string, a.Len())
	for i := range out {
		_, client := holipaxosPorts(a, i)
		out[i] = fmt.Sprintf("%s:%d", a.Node(i).Public, client)
	}

	return out
}

func holipaxosDataDir(i int) string {
	return fmt.Sprintf("/tmp/presistent_node%d", i)
}

// holipaxosConfigData builds the template data with the stride-adjusted
// ports in place of the raw slots.
func holipaxosConfigData(a *topology.Assignment) ConfigData {
	data := newConfigData(a, zeroBased, nil)

	for i := range data.Members {
		consensus, client := holipaxosPorts(a, i)
		m := &data.Members[i]
		m.PeerPort = consensus
		m.Peer = fmt.Sprintf("%s:%d", a.Node(i).Private, consensus)
		m.ClientPort = client
		m.Client = fmt.Sprintf("%s:%d", a.Node(i).Public, client)
	}

	return data
}

func (h holipaxos) Deploy(ctx context.Context, env *Env) error {
	a := env.Assignment

	replicant, ok := holipaxosReplicants[env.Protocol.Name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownProtocol, env.Protocol.Name)
	}

	tmpl, err := env.Template("holipaxos.json.tmpl")
	if err != nil {
		return err
	}

	data := holipaxosConfigData(a)

	for i := 0; i < a.Len(); i++ {
		bin, err := env.Stage(ctx, i, "holipaxos", filepath.Join("bin", replicant.binary))
		if err != nil {
			return err
		}

		name := fmt.Sprintf("config_node%d.json", i)
		config := env.Dir(i, "holipaxos", "config", name)

		err = env.Materialize(ctx, i, tmpl, data.For(i, holipaxosDataDir(i)),
			filepath.Join(env.LocalDir, "config", name), config)
		if err != nil {
			return err
		}

		logDir := env.Dir(i, "holipaxos", "logs")
		if err := env.MkdirAll(ctx, i, logDir); err != nil {
			return err
		}

		args := replicant.args(i, config)
		cmd := append([]string{bin}, args...)

		if _, err := env.Spawn(ctx, i, supervisor.Spec{
			Name:      fmt.Sprintf("replica%d", i),
			Command:   append(cmd, env.ExtraArgs...),
			Match:     bin + " " + strings.Join(args[:2], " ") + " ",
			LogFile:   filepath.Join(logDir, fmt.Sprintf("node_%d.log", i)),
			Artifacts: []string{holipaxosDataDir(i)},
		}); err != nil {
			return err
		}
	}

	return env.WaitReady(ctx, h.Endpoints(a)...)
}

func (holipaxos) Teardown(ctx context.Context, env *Env) error {
	return env.forEach(ctx, func(i int) error {
		pattern := env.Dir(i, "holipaxos", "bin") + "/.*_replicant"

		return env.Sweep(ctx, i, pattern, []string{holipaxosDataDir(i)})
	})
}
