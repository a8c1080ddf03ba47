// Package config loads the orchestrator settings from a YAML file,
// DISTROBENCH_* environment variables, and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/shlex"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fadhilkurnia/distro/remote"
	"github.com/fadhilkurnia/distro/topology"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "./distrobench.yaml"

// EnvPrefix prefixes environment overrides, e.g. DISTROBENCH_SSH_USERNAME.
const EnvPrefix = "DISTROBENCH"

// Path is a filesystem path; a leading ~ is expanded when decoding.
type Path string

func (p Path) String() string {
	return string(p)
}

// Config is the full orchestrator configuration.
//
// System and Nodes are only needed by commands that deploy, so they are
// checked there and not by Validate.
type Config struct {
	System         string          `mapstructure:"system"`
	Protocol       string          `mapstructure:"protocol"`
	SUTDir         Path            `mapstructure:"sut_dir" validate:"required"`
	DataFile       Path            `mapstructure:"data_file" validate:"required"`
	IndentResults  bool            `mapstructure:"indent_results"`
	GracePeriod    time.Duration   `mapstructure:"grace_period" validate:"gte=0"`
	TriggerTimeout time.Duration   `mapstructure:"trigger_timeout" validate:"gte=0"`
	ReadyTimeout   time.Duration   `mapstructure:"ready_timeout" validate:"gte=0"`
	SSH            SSHConfig       `mapstructure:"ssh"`
	Nodes          []topology.Node `mapstructure:"nodes" validate:"dive"`
	YCSB           YCSBConfig      `mapstructure:"ycsb"`

	Targets map[string]TargetConfig `mapstructure:"targets" validate:"dive"`
}

// SSHConfig holds the credentials used for every remote node.
type SSHConfig struct {
	Username              string `mapstructure:"username"`
	Key                   Path   `mapstructure:"key"`
	Port                  int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	Home                  string `mapstructure:"home"`
	KnownHosts            Path   `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool   `mapstructure:"insecure_ignore_host_key"`
}

// YCSBConfig locates the workload generator.
type YCSBConfig struct {
	Dir          Path   `mapstructure:"dir" validate:"required"`
	Bin          string `mapstructure:"bin" validate:"required"`
	WorkloadsDir string `mapstructure:"workloads_dir" validate:"required"`
	ExtraArgs    string `mapstructure:"extra_args"`
}

// TargetConfig overrides per-target defaults.
type TargetConfig struct {
	Version   string `mapstructure:"version"`
	ExtraArgs string `mapstructure:"extra_args"`
	Template  Path   `mapstructure:"template"`
}

// Args splits ExtraArgs like a shell would.
func (y YCSBConfig) Args() ([]string, error) {
	return splitArgs("ycsb.extra_args", y.ExtraArgs)
}

// Args splits ExtraArgs like a shell would.
func (t TargetConfig) Args() ([]string, error) {
	return splitArgs("targets.extra_args", t.ExtraArgs)
}

func splitArgs(key, s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	args, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}

	return args, nil
}

// Target returns the overrides for the named target, zero when unset.
func (c *Config) Target(name string) TargetConfig {
	return c.Targets[name]
}

// RemoteHome returns the directory that target artifacts live under on
// remote hosts.
func (c *Config) RemoteHome() string {
	if c.SSH.Home != "" {
		return c.SSH.Home
	}

	return "/home/" + c.SSH.Username
}

// AllLocal reports whether every node runs on this machine.
func (c *Config) AllLocal() bool {
	for _, n := range c.Nodes {
		if !n.IsLocal() {
			return false
		}
	}

	return true
}

// Credentials returns the SSH credentials for remote nodes.
func (c *Config) Credentials() remote.Credentials {
	return remote.Credentials{
		User:                  c.SSH.Username,
		IdentityFile:          c.SSH.Key.String(),
		Port:                  c.SSH.Port,
		KnownHostsFile:        c.SSH.KnownHosts.String(),
		InsecureIgnoreHostKey: c.SSH.InsecureIgnoreHostKey,
	}
}

func setDefaults(v *viper.Viper) {
	// Every key needs a default so that AutomaticEnv can override it.
	v.SetDefault("system", "")
	v.SetDefault("protocol", "")
	v.SetDefault("sut_dir", "./sut")
	v.SetDefault("data_file", "./data.json")
	v.SetDefault("indent_results", false)
	v.SetDefault("grace_period", "3s")
	v.SetDefault("trigger_timeout", "5m")
	v.SetDefault("ready_timeout", "60s")
	v.SetDefault("ssh.username", "")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.home", "")
	v.SetDefault("ssh.insecure_ignore_host_key", false)
	v.SetDefault("ssh.key", "~/.ssh/id_rsa")
	v.SetDefault("ssh.known_hosts", "~/.ssh/known_hosts")
	v.SetDefault("ycsb.dir", "./src/ycsb")
	v.SetDefault("ycsb.bin", "./bin/ycsb")
	v.SetDefault("ycsb.workloads_dir", "./workloads")
	v.SetDefault("ycsb.extra_args", "")
}

// Load reads path, applies environment overrides and the "system" and
// "protocol" flags, and validates the result. A missing file is only an
// error when the "config" flag was set explicitly.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for _, name := range []string{"system", "protocol"} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(name, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path == "" {
		path = DefaultPath
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", path, err)
	}

	v.SetConfigFile(expanded)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		explicit := flags != nil && flags.Changed("config")

		var missing viper.ConfigFileNotFoundError
		if explicit || (!errors.As(err, &missing) && !errors.Is(err, fs.ErrNotExist)) {
			return nil, fmt.Errorf("read config %s: %w", expanded, err)
		}
	}

	var cfg Config

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		ExpandPathHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ExpandPathHook expands a leading ~ in every Path value.
func ExpandPathHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(Path("")) {
			return data, nil
		}

		expanded, err := homedir.Expand(data.(string))
		if err != nil {
			return nil, err
		}

		return Path(expanded), nil
	}
}

// Validate checks cfg and reports every problem at once.
func Validate(cfg *Config) error {
	var result *multierror.Error

	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}

		for _, msg := range ValidationMessages(verrs) {
			result = multierror.Append(result, errors.New(msg))
		}
	}

	if !cfg.AllLocal() {
		if cfg.SSH.Username == "" {
			result = multierror.Append(result,
				errors.New("ConfigError: Field SSH.Username is required for remote nodes"))
		}

		if _, err := os.Stat(cfg.SSH.Key.String()); err != nil {
			result = multierror.Append(result,
				fmt.Errorf("ConfigError: Field SSH.Key points to an unreadable file: %w", err))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// ValidationMessages renders validator errors one line per field.
func ValidationMessages(errs validator.ValidationErrors) []string {
	msgs := make([]string, 0, len(errs))

	for _, err := range errs {
		fieldName := stripPrefix(err.Namespace())

		switch err.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("ConfigError: Field %s is required but was not found", fieldName))
		default:
			msgs = append(msgs, fmt.Sprintf("ConfigError: Field %s has invalid value %v: %s", fieldName, err.Value(), err.Tag()))
		}
	}

	return msgs
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}

	return s
}
