package jclouds

import (
	gocontext "context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/getsentry/raven-go"
	librato "github.com/mihasya/go-metrics-librato"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v1"

	"github.com/jclouds/legacy-jclouds-sub040/backend"
	"github.com/jclouds/legacy-jclouds-sub040/config"
	"github.com/jclouds/legacy-jclouds-sub040/context"
	jcmetrics "github.com/jclouds/legacy-jclouds-sub040/metrics"
	"github.com/jclouds/legacy-jclouds-sub040/ratelimit"
	"github.com/jclouds/legacy-jclouds-sub040/ssh"
)

// CLI is the top level of execution for jclouds-poll
type CLI struct {
	c        *cli.Context
	bootTime time.Time

	ctx    gocontext.Context
	cancel gocontext.CancelFunc
	logger *logrus.Entry
	out    io.Writer

	Config             *config.Config
	BackendProvider    backend.Provider
	Awaiter            *Awaiter
	ConcurrencyLimiter ratelimit.ConcurrencyLimiter
}

// NewCLI creates a new *CLI from a *cli.Context
func NewCLI(c *cli.Context) *CLI {
	return &CLI{
		c:        c,
		bootTime: time.Now().UTC(),
		out:      os.Stdout,
	}
}

// Setup runs one-time preparatory actions and returns a boolean success value
// that is used to determine if it is safe to invoke the Run func
func (i *CLI) Setup() (bool, error) {
	if i.c.Bool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := gocontext.WithCancel(gocontext.Background())
	logger := context.LoggerFromContext(ctx).WithField("self", "cli")

	i.ctx = ctx
	i.cancel = cancel
	i.logger = logger

	logrus.SetFormatter(&logrus.TextFormatter{DisableColors: true})

	cfg := config.FromCLIContext(i.c)
	i.Config = cfg

	if i.c.Bool("echo-config") {
		config.WriteEnvConfig(cfg, i.out)
		return false, nil
	}

	if i.c.Bool("list-backend-providers") {
		writeBackendProviders(i.out)
		return false, nil
	}

	logger.WithFields(logrus.Fields{
		"cfg": fmt.Sprintf("%#v", cfg),
	}).Debug("read config")

	i.setupSentry()
	i.setupMetrics()

	provider, err := backend.NewBackendProvider(cfg.ProviderName, cfg.ProviderConfig, i.apiLimiter())
	if err != nil {
		logger.WithField("err", err).Error("couldn't create backend provider")
		return false, err
	}

	logger.WithFields(logrus.Fields{
		"provider": cfg.ProviderName,
	}).Debug("built")

	i.BackendProvider = provider
	i.Awaiter = NewAwaiter(cfg, provider)

	if cfg.SSHKeyPath != "" {
		dialer, err := ssh.NewDialer(cfg.SSHKeyPath, cfg.SSHKeyPassphrase)
		if err != nil {
			logger.WithField("err", err).Error("couldn't create SSH dialer")
			return false, err
		}
		i.Awaiter.Dialer = dialer
	}

	i.ConcurrencyLimiter = ratelimit.NewNullConcurrencyLimiter()
	if cfg.RateLimitRedisURL != "" {
		i.ConcurrencyLimiter = ratelimit.NewConcurrencyLimiter(cfg.RateLimitRedisURL, cfg.RateLimitPrefix)
	}

	return true, nil
}

// Run performs the wait requested on the command line, or serves the HTTP
// API until a signal arrives when none was requested.
func (i *CLI) Run() error {
	go i.signalHandler()
	defer i.cancel()

	if ok, err := i.runAwaitFlags(); ok {
		return err
	}

	if i.Config.HTTPAPIPort == "" {
		return fmt.Errorf("nothing to do: pass an --await-* flag or --http-api-port")
	}

	return i.serveHTTPAPI()
}

func (i *CLI) runAwaitFlags() (bool, error) {
	var (
		outcome *Outcome
		err     error
	)

	switch {
	case i.c.String("await-job") != "":
		outcome, err = i.Awaiter.AwaitJob(i.ctx, i.c.String("await-job"))
	case i.c.String("await-node") != "":
		outcome, err = i.Awaiter.AwaitNode(i.ctx, i.c.String("await-node"), false)
	case i.c.String("await-node-terminated") != "":
		outcome, err = i.Awaiter.AwaitNode(i.ctx, i.c.String("await-node-terminated"), true)
	case i.c.String("await-image") != "":
		outcome, err = i.Awaiter.AwaitImage(i.ctx, i.c.String("await-image"))
	case i.c.String("await-task") != "":
		outcome, err = i.Awaiter.AwaitTask(i.ctx, i.c.String("await-task"))
	case i.c.String("run-script") != "":
		outcome, err = i.runScript(i.c.String("run-script"), i.c.String("script-node"))
	default:
		return false, nil
	}

	if err != nil {
		i.logger.WithField("err", err).Error("wait failed")
		return true, err
	}

	return true, writeOutcome(i.out, outcome)
}

func (i *CLI) runScript(path, nodeID string) (*Outcome, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("run-script needs script-node")
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return i.Awaiter.RunScript(i.ctx, nodeID, ssh.InitScript{Body: body})
}

func (i *CLI) serveHTTPAPI() error {
	api := NewAPIHandler(i.Awaiter, i.Config.HTTPAPIAuth, i.Config.HTTPAPIMaxAwaits, i.ConcurrencyLimiter)
	server := &http.Server{
		Addr:    net.JoinHostPort("", i.Config.HTTPAPIPort),
		Handler: api.Handler(),
	}

	go func() {
		<-i.ctx.Done()
		shutdownCtx, cancel := gocontext.WithTimeout(gocontext.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	i.logger.WithField("addr", server.Addr).Info("serving HTTP API")

	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (i *CLI) apiLimiter() *ratelimit.APILimiter {
	var limiter ratelimit.RateLimiter
	if i.Config.RateLimitRedisURL != "" {
		limiter = ratelimit.NewRateLimiter(i.Config.RateLimitRedisURL, i.Config.RateLimitPrefix, i.Config.RateLimitDynamicConfig)
	}

	return ratelimit.NewAPILimiter(limiter, i.Config.ProviderName,
		uint64(i.Config.RateLimitMaxCalls), i.Config.RateLimitDuration)
}

func (i *CLI) setupSentry() {
	if i.Config.SentryDSN == "" {
		return
	}

	levels := []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
	}

	if i.Config.SentryHookErrors {
		levels = append(levels, logrus.ErrorLevel)
	}

	sentryHook, err := NewSentryHook(i.Config.SentryDSN, levels)
	if err != nil {
		i.logger.WithField("err", err).Error("couldn't create sentry hook")
		return
	}

	logrus.AddHook(sentryHook)

	err = raven.SetDSN(i.Config.SentryDSN)
	if err != nil {
		i.logger.WithField("err", err).Error("couldn't set DSN in raven")
	}
}

func (i *CLI) setupMetrics() {
	go jcmetrics.ReportMemstatsMetrics()

	if i.Config.LibratoEmail != "" && i.Config.LibratoToken != "" && i.Config.LibratoSource != "" {
		i.logger.Info("starting librato metrics reporter")

		go librato.Librato(metrics.DefaultRegistry, time.Minute,
			i.Config.LibratoEmail, i.Config.LibratoToken, i.Config.LibratoSource,
			[]float64{0.50, 0.75, 0.90, 0.95, 0.99, 0.999, 1.0}, time.Millisecond)
	} else if !i.Config.SilenceMetrics {
		i.logger.Info("starting logger metrics reporter")

		go metrics.Log(metrics.DefaultRegistry, time.Minute,
			log.New(os.Stderr, "metrics: ", log.Lmicroseconds))
	}
}

func (i *CLI) signalHandler() {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(signalChan)

	for {
		select {
		case sig := <-signalChan:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				i.logger.WithField("signal", sig).Info("signal received, cancelling waits")
				i.cancel()
			case syscall.SIGUSR1:
				i.logger.WithFields(logrus.Fields{
					"version":   VersionString,
					"revision":  RevisionString,
					"generated": GeneratedString,
					"boot_time": i.bootTime.String(),
					"uptime":    elapsedString(i.bootTime, time.Since(i.bootTime)),
				}).Info("SIGUSR1 received, dumping info")
			}
		case <-i.ctx.Done():
			return
		}
	}
}

func writeBackendProviders(out io.Writer) {
	backend.EachBackend(func(b *backend.Backend) {
		fmt.Fprintf(out, "%s (%s)\n", b.Alias, b.HumanReadableName)

		keys := []string{}
		for key := range b.ProviderHelp {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			fmt.Fprintf(out, "  %s - %s\n", key, b.ProviderHelp[key])
		}
	})
}

func writeOutcome(out io.Writer, outcome *Outcome) error {
	fmt.Fprintf(out, "%s %s reached %s (started %s, took %s)\n",
		outcome.Kind, outcome.ID, outcomeState(outcome),
		humanize.Time(outcome.StartedAt),
		elapsedString(outcome.StartedAt, outcome.Elapsed))

	if outcome.Value == nil {
		return nil
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(outcome)
}

func outcomeState(outcome *Outcome) string {
	if outcome.State == "" {
		return "completion"
	}
	return outcome.State
}

func elapsedString(startedAt time.Time, elapsed time.Duration) string {
	return strings.TrimSpace(humanize.RelTime(startedAt, startedAt.Add(elapsed), "", ""))
}
