// Package config holds the command line and environment configuration of
// the poller and the per-provider settings.
package config

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"time"

	"gopkg.in/urfave/cli.v1"

	"github.com/jclouds/legacy-jclouds-sub040/poll"
)

var (
	DefaultConfig = &Config{
		ProviderName:          "cloudstack",
		JobTimeout:            10 * time.Minute,
		JobPollPeriod:         time.Second,
		JobPollMaxPeriod:      time.Second,
		NodeRunningTimeout:    20 * time.Minute,
		NodeTerminatedTimeout: 30 * time.Second,
		ImageAvailableTimeout: 10 * time.Minute,
		ScriptCompleteTimeout: 10 * time.Minute,
		SSHUser:               "root",
		NodePollPeriod:        time.Second,
		NodePollMaxPeriod:     10 * time.Second,
		PollMultiplier:        "1.5",
		AwaitParallelism:      4,
		RateLimitPrefix:       "jclouds-rl",
		RateLimitDuration:     time.Second,
		HTTPAPIMaxAwaits:      0,
		LibratoSource:         "jclouds-poll",
	}

	configType = reflect.ValueOf(Config{}).Type()

	defs = []*ConfigDef{
		NewConfigDef("ProviderName", &cli.StringFlag{
			Value: DefaultConfig.ProviderName,
			Usage: "The name of the provider backend to poll",
		}),
		NewConfigDef("JobTimeout", &cli.DurationFlag{
			Value: DefaultConfig.JobTimeout,
			Usage: "How long to wait for an asynchronous job to complete (0 checks once)",
		}),
		NewConfigDef("JobPollPeriod", &cli.DurationFlag{
			Value: DefaultConfig.JobPollPeriod,
			Usage: "The interval between job status checks",
		}),
		NewConfigDef("JobPollMaxPeriod", &cli.DurationFlag{
			Value: DefaultConfig.JobPollMaxPeriod,
			Usage: "The longest interval between job status checks",
		}),
		NewConfigDef("NodeRunningTimeout", &cli.DurationFlag{
			Value: DefaultConfig.NodeRunningTimeout,
			Usage: "How long to wait for a node to be running",
		}),
		NewConfigDef("NodeTerminatedTimeout", &cli.DurationFlag{
			Value: DefaultConfig.NodeTerminatedTimeout,
			Usage: "How long to wait for a node to be terminated",
		}),
		NewConfigDef("ImageAvailableTimeout", &cli.DurationFlag{
			Value: DefaultConfig.ImageAvailableTimeout,
			Usage: "How long to wait for an image to be available",
		}),
		NewConfigDef("ScriptCompleteTimeout", &cli.DurationFlag{
			Value: DefaultConfig.ScriptCompleteTimeout,
			Usage: "How long to wait for an init script to finish",
		}),
		NewConfigDef("SSHUser", &cli.StringFlag{
			Value: DefaultConfig.SSHUser,
			Usage: "The user init scripts are run as",
		}),
		NewConfigDef("SSHKeyPath", &cli.StringFlag{
			Usage: "The path to the private key used to connect to nodes",
		}),
		NewConfigDef("SSHKeyPassphrase", &cli.StringFlag{
			Usage: "The passphrase of the private key at ssh-key-path",
		}),
		NewConfigDef("NodePollPeriod", &cli.DurationFlag{
			Value: DefaultConfig.NodePollPeriod,
			Usage: "The first interval between node, image and script status checks",
		}),
		NewConfigDef("NodePollMaxPeriod", &cli.DurationFlag{
			Value: DefaultConfig.NodePollMaxPeriod,
			Usage: "The longest interval between node, image and script status checks",
		}),
		NewConfigDef("PollMultiplier", &cli.StringFlag{
			Value: DefaultConfig.PollMultiplier,
			Usage: "The factor the status check interval grows by",
		}),
		NewConfigDef("TransientRetries", &cli.IntFlag{
			Usage: "How many transient provider errors a poll tolerates before giving up",
		}),
		NewConfigDef("DedupeJobs", &cli.BoolFlag{
			Usage: "Share one poll loop between concurrent waits for the same job",
		}),
		NewConfigDef("AwaitParallelism", &cli.IntFlag{
			Value: DefaultConfig.AwaitParallelism,
			Usage: "How many jobs are polled at once when waiting for several",
		}),
		NewConfigDef("RateLimitRedisURL", &cli.StringFlag{
			Usage: "The URL of the redis server used for rate limiting provider API calls",
		}),
		NewConfigDef("RateLimitPrefix", &cli.StringFlag{
			Value: DefaultConfig.RateLimitPrefix,
			Usage: "The prefix of the rate limit keys in redis",
		}),
		NewConfigDef("RateLimitMaxCalls", &cli.IntFlag{
			Usage: "The maximum number of provider API calls per rate-limit-duration (0 disables)",
		}),
		NewConfigDef("RateLimitDuration", &cli.DurationFlag{
			Value: DefaultConfig.RateLimitDuration,
			Usage: "The window of the provider API rate limit",
		}),
		NewConfigDef("RateLimitDynamicConfig", &cli.BoolFlag{
			Usage: "Read rate limits from redis, overriding rate-limit-max-calls",
		}),
		NewConfigDef("HTTPAPIPort", &cli.StringFlag{
			Usage: "Serve the HTTP API on this port",
		}),
		NewConfigDef("HTTPAPIAuth", &cli.StringFlag{
			Usage: "Space-delimited user:password pairs accepted by the HTTP API",
		}),
		NewConfigDef("HTTPAPIMaxAwaits", &cli.IntFlag{
			Usage: "The maximum number of concurrent waits served by the HTTP API (0 is unlimited)",
		}),
		NewConfigDef("LibratoEmail", &cli.StringFlag{
			Usage: "Librato metrics account email",
		}),
		NewConfigDef("LibratoToken", &cli.StringFlag{
			Usage: "Librato metrics account token",
		}),
		NewConfigDef("LibratoSource", &cli.StringFlag{
			Value: DefaultConfig.LibratoSource,
			Usage: "Librato metrics source name",
		}),
		NewConfigDef("SentryDSN", &cli.StringFlag{
			Usage: "The DSN to send Sentry events to",
		}),
		NewConfigDef("SentryHookErrors", &cli.BoolFlag{
			Usage: "Add logrus.ErrorLevel to logrus sentry hook",
		}),
		NewConfigDef("SilenceMetrics", &cli.BoolFlag{
			Usage: "silence metrics logging in case no Librato creds have been provided",
		}),
		NewConfigDef("Debug", &cli.BoolFlag{
			Usage: "set log level to debug",
		}),

		// non-config and special case flags
		NewConfigDef("echo-config", &cli.BoolFlag{
			Usage: "echo parsed config and exit",
		}),
		NewConfigDef("list-backend-providers", &cli.BoolFlag{
			Usage: "echo backend provider list and exit",
		}),
		NewConfigDef("await-job", &cli.StringFlag{
			Usage: "wait for the job with this handle and print its result",
		}),
		NewConfigDef("await-node", &cli.StringFlag{
			Usage: "wait for the node with this id to be running",
		}),
		NewConfigDef("await-node-terminated", &cli.StringFlag{
			Usage: "wait for the node with this id to be terminated",
		}),
		NewConfigDef("await-image", &cli.StringFlag{
			Usage: "wait for the image with this id to be available",
		}),
		NewConfigDef("await-task", &cli.StringFlag{
			Usage: "wait for the provider task with this id to succeed",
		}),
		NewConfigDef("run-script", &cli.StringFlag{
			Usage: "run the local script at this path on script-node and wait for it to finish",
		}),
		NewConfigDef("script-node", &cli.StringFlag{
			Usage: "the id of the node run-script runs on",
		}),
	}

	// Flags is all CLI flags accepted by jclouds-poll
	Flags = defFlags(defs)
)

func jcEnvVars(key string) string {
	return strings.ToUpper(strings.Join(jcEnvVarsSlice(key), ","))
}

func jcEnvVarsSlice(key string) []string {
	return []string{
		fmt.Sprintf("JCLOUDS_%s", key),
		key,
	}
}

func defFlags(defs []*ConfigDef) []cli.Flag {
	f := []cli.Flag{}

	for _, def := range defs {
		f = append(f, def.Flag)
	}

	return f
}

type ConfigDef struct {
	FieldName string
	Name      string
	EnvVar    string
	Flag      cli.Flag
	HasField  bool
}

// NewConfigDef binds flag to the Config field named fieldName. A lowercase
// fieldName is a flag without a Config field.
func NewConfigDef(fieldName string, flag cli.Flag) *ConfigDef {
	if fieldName == "" {
		panic("empty field name")
	}

	name := ""

	if string(fieldName[0]) == strings.ToLower(string(fieldName[0])) {
		name = fieldName
	} else {
		field, ok := configType.FieldByName(fieldName)
		if !ok {
			panic(fmt.Sprintf("no config field %q", fieldName))
		}
		name = field.Tag.Get("config")
	}

	env := strings.ToUpper(strings.Replace(name, "-", "_", -1))

	def := &ConfigDef{
		FieldName: fieldName,
		Name:      name,
		EnvVar:    env,
		HasField:  fieldName != name,
	}

	envPrefixed := jcEnvVars(env)

	if f, ok := flag.(*cli.BoolFlag); ok {
		def.Flag, f.Name, f.EnvVar = f, name, envPrefixed
		return def
	} else if f, ok := flag.(*cli.StringFlag); ok {
		def.Flag, f.Name, f.EnvVar = f, name, envPrefixed
		return def
	} else if f, ok := flag.(*cli.IntFlag); ok {
		def.Flag, f.Name, f.EnvVar = f, name, envPrefixed
		return def
	} else if f, ok := flag.(*cli.DurationFlag); ok {
		def.Flag, f.Name, f.EnvVar = f, name, envPrefixed
		return def
	} else {
		return def
	}
}

// Config contains all the configuration needed to run the poller.
type Config struct {
	ProviderName string `config:"provider-name"`

	JobTimeout            time.Duration `config:"job-timeout"`
	JobPollPeriod         time.Duration `config:"job-poll-period"`
	JobPollMaxPeriod      time.Duration `config:"job-poll-max-period"`
	NodeRunningTimeout    time.Duration `config:"node-running-timeout"`
	NodeTerminatedTimeout time.Duration `config:"node-terminated-timeout"`
	ImageAvailableTimeout time.Duration `config:"image-available-timeout"`
	ScriptCompleteTimeout time.Duration `config:"script-complete-timeout"`
	SSHUser               string        `config:"ssh-user"`
	SSHKeyPath            string        `config:"ssh-key-path"`
	SSHKeyPassphrase      string        `config:"ssh-key-passphrase"`
	NodePollPeriod        time.Duration `config:"node-poll-period"`
	NodePollMaxPeriod     time.Duration `config:"node-poll-max-period"`
	PollMultiplier        string        `config:"poll-multiplier"`
	TransientRetries      int           `config:"transient-retries"`
	DedupeJobs            bool          `config:"dedupe-jobs"`
	AwaitParallelism      int           `config:"await-parallelism"`

	RateLimitRedisURL      string        `config:"rate-limit-redis-url"`
	RateLimitPrefix        string        `config:"rate-limit-prefix"`
	RateLimitMaxCalls      int           `config:"rate-limit-max-calls"`
	RateLimitDuration      time.Duration `config:"rate-limit-duration"`
	RateLimitDynamicConfig bool          `config:"rate-limit-dynamic-config"`

	HTTPAPIPort      string `config:"http-api-port"`
	HTTPAPIAuth      string `config:"http-api-auth"`
	HTTPAPIMaxAwaits int    `config:"http-api-max-awaits"`

	LibratoEmail     string `config:"librato-email"`
	LibratoToken     string `config:"librato-token"`
	LibratoSource    string `config:"librato-source"`
	SentryDSN        string `config:"sentry-dsn"`
	SentryHookErrors bool   `config:"sentry-hook-errors"`
	SilenceMetrics   bool   `config:"silence-metrics"`
	Debug            bool   `config:"debug"`

	ProviderConfig *ProviderConfig
}

// FromCLIContext creates a Config using a cli.Context by pulling configuration
// from the flags in the context.
func FromCLIContext(c *cli.Context) *Config {
	cfg := *DefaultConfig
	cfgVal := reflect.ValueOf(&cfg).Elem()

	for _, def := range defs {
		if !def.HasField {
			continue
		}

		field := cfgVal.FieldByName(def.FieldName)

		if _, ok := def.Flag.(*cli.BoolFlag); ok {
			field.SetBool(c.Bool(def.Name))
		} else if _, ok := def.Flag.(*cli.DurationFlag); ok {
			field.Set(reflect.ValueOf(c.Duration(def.Name)))
		} else if _, ok := def.Flag.(*cli.IntFlag); ok {
			field.SetInt(int64(c.Int(def.Name)))
		} else if _, ok := def.Flag.(*cli.StringFlag); ok {
			field.SetString(c.String(def.Name))
		}
	}

	cfg.ProviderConfig = ProviderConfigFromEnviron(cfg.ProviderName)

	return &cfg
}

func (c *Config) multiplier() float64 {
	var m float64
	if _, err := fmt.Sscanf(c.PollMultiplier, "%g", &m); err != nil || m <= 1 {
		return 0
	}
	return m
}

func (c *Config) pollConfig(maxWait, period, maxPeriod time.Duration) poll.Config {
	return poll.Config{
		MaxWait:          maxWait,
		Period:           period,
		MaxPeriod:        maxPeriod,
		Multiplier:       c.multiplier(),
		TransientRetries: c.TransientRetries,
	}
}

// JobPollConfig bounds job-completion polling.
func (c *Config) JobPollConfig() poll.Config {
	return c.pollConfig(c.JobTimeout, c.JobPollPeriod, c.JobPollMaxPeriod)
}

func (c *Config) NodeRunningPollConfig() poll.Config {
	return c.pollConfig(c.NodeRunningTimeout, c.NodePollPeriod, c.NodePollMaxPeriod)
}

func (c *Config) NodeTerminatedPollConfig() poll.Config {
	return c.pollConfig(c.NodeTerminatedTimeout, c.NodePollPeriod, c.NodePollMaxPeriod)
}

func (c *Config) ImageAvailablePollConfig() poll.Config {
	return c.pollConfig(c.ImageAvailableTimeout, c.NodePollPeriod, c.NodePollMaxPeriod)
}

func (c *Config) ScriptCompletePollConfig() poll.Config {
	return c.pollConfig(c.ScriptCompleteTimeout, c.NodePollPeriod, c.NodePollMaxPeriod)
}

// WriteEnvConfig writes the given configuration to out. The format of the
// output is a list of environment variables settings suitable to be sourced
// by a Bourne-like shell.
func WriteEnvConfig(cfg *Config, out io.Writer) {
	cfgMap := map[string]interface{}{}
	cfgElem := reflect.ValueOf(cfg).Elem()

	for _, def := range defs {
		if !def.HasField {
			continue
		}

		field := cfgElem.FieldByName(def.FieldName)
		cfgMap[def.Name] = field.Interface()
	}

	sortedCfgMapKeys := []string{}

	for key := range cfgMap {
		sortedCfgMapKeys = append(sortedCfgMapKeys, key)
	}

	sort.Strings(sortedCfgMapKeys)

	fmt.Fprintf(out, "# jclouds-poll env config generated %s\n", time.Now().UTC())
	for _, key := range sortedCfgMapKeys {
		envKey := fmt.Sprintf("JCLOUDS_%s", strings.ToUpper(strings.Replace(key, "-", "_", -1)))
		fmt.Fprintf(out, "export %s=%q\n", envKey, fmt.Sprintf("%v", cfgMap[key]))
	}
	fmt.Fprintf(out, "# end jclouds-poll env config\n")
}
