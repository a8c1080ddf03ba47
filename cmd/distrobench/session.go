package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/client"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/fadhilkurnia/distro/cluster"
	"github.com/fadhilkurnia/distro/config"
	"github.com/fadhilkurnia/distro/harness"
	"github.com/fadhilkurnia/distro/remote"
	"github.com/fadhilkurnia/distro/store"
	"github.com/fadhilkurnia/distro/supervisor"
)

// loadConfig reads the configuration named by --config with the
// --system and --protocol overrides applied.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(a.configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}

	a.logger.DebugContext(cmd.Context(), "loaded configuration",
		slog.String("path", a.configPath),
		slog.String("system", cfg.System),
		slog.Int("nodes", len(cfg.Nodes)),
	)

	return cfg, nil
}

// openStore returns the result store of cfg.
func (a *app) openStore(cfg *config.Config) *store.Store {
	return store.Open(cfg.DataFile.String(), cfg.IndentResults, a.logger)
}

// Returned by commands that deploy when the config lacks what they need.
var (
	errNoSystem = errors.New("no system configured: set system in the config file or pass --system")
	errNoNodes  = errors.New("no nodes configured")
)

// dockerClient is the part of the docker client a deployment uses.
type dockerClient interface {
	cluster.NetworkPruner
	io.Closer
}

var newDockerClient = func() (dockerClient, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	return c, nil
}

// deployment bundles a session with the connections it borrows.
type deployment struct {
	session *cluster.Session
	closers []io.Closer
}

// Close releases the SSH and docker connections of the deployment.
func (d *deployment) Close() error {
	var result *multierror.Error

	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// newDeployment wires a session for cfg: the SSH shell and rsync syncer
// when any node is remote, the supervisor, the docker client and the YCSB
// runner. Process output is echoed to output.
func (a *app) newDeployment(
	cfg *config.Config,
	output io.Writer,
	benchmarkTimeout time.Duration,
) (*deployment, error) {
	if cfg.System == "" {
		return nil, errNoSystem
	}

	if len(cfg.Nodes) == 0 {
		return nil, errNoNodes
	}

	target, err := cluster.Lookup(cfg.System)
	if err != nil {
		return nil, err
	}

	tc := cfg.Target(cfg.System)

	targetArgs, err := tc.Args()
	if err != nil {
		return nil, err
	}

	ycsbArgs, err := cfg.YCSB.Args()
	if err != nil {
		return nil, err
	}

	var (
		shell  cluster.Shell
		syncer cluster.Syncer
	)

	if !cfg.AllLocal() {
		c, err := remote.NewClient(cfg.Credentials(), a.logger)
		if err != nil {
			return nil, fmt.Errorf("configure ssh: %w", err)
		}

		shell = c
		syncer = remote.NewSyncer(cfg.Credentials(), a.logger)
	}

	d := &deployment{}

	var docker cluster.NetworkPruner

	if dc, err := newDockerClient(); err != nil {
		a.logger.Debug("docker client unavailable", slog.String("error", err.Error()))
	} else {
		docker = dc
		d.closers = append(d.closers, dc)
	}

	runner := harness.NewRunner(
		cfg.YCSB.Bin, cfg.YCSB.Dir.String(),
		ycsbArgs, nil,
		output, a.logger,
	)

	session, err := cluster.NewSession(cluster.Options{
		Target:           target,
		Protocol:         cfg.Protocol,
		Nodes:            cfg.Nodes,
		SUTDir:           cfg.SUTDir.String(),
		RemoteHome:       cfg.RemoteHome(),
		Version:          tc.Version,
		ExtraArgs:        targetArgs,
		TemplatePath:     tc.Template.String(),
		YCSBDir:          cfg.YCSB.Dir.String(),
		WorkloadsDir:     cfg.YCSB.WorkloadsDir,
		Runner:           runner,
		Supervisor:       supervisor.New(shell, cfg.GracePeriod, a.logger),
		Shell:            shell,
		Syncer:           syncer,
		Docker:           docker,
		ReadyTimeout:     cfg.ReadyTimeout,
		TriggerTimeout:   cfg.TriggerTimeout,
		BenchmarkTimeout: benchmarkTimeout,
		Output:           output,
		Logger:           a.logger,
	})
	if err != nil {
		d.Close()

		return nil, err
	}

	d.session = session

	return d, nil
}
