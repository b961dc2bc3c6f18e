package service

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/resdeeds/resdeeds/internal/model"
)

const (
	defaultGrace          = 500 * time.Millisecond
	defaultStartTimeout   = 15 * time.Second
	defaultStopTimeout    = 3 * time.Second
	defaultHealthInterval = 200 * time.Millisecond
	defaultHealthTimeout  = 12 * time.Second
)

// Options configure a Supervisor. Zero durations and paths take defaults.
type Options struct {
	Strategies []Strategy
	Dir        string
	Env        []string

	Grace          time.Duration // liveness window of every launch strategy
	StartTimeout   time.Duration // shared deadline of the whole start sequence
	StopTimeout    time.Duration // SIGTERM to SIGKILL delay
	RequestTimeout time.Duration // zero means no limit
	Monitor        time.Duration // zero disables the periodic check

	HealthPath     string
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	AnalyzePath    string
}

func (o Options) withDefaults() Options {
	if o.Grace <= 0 {
		o.Grace = defaultGrace
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = defaultStartTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = defaultStopTimeout
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = defaultHealthInterval
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = defaultHealthTimeout
	}
	if o.HealthPath == "" {
		o.HealthPath = model.DefaultHealthPath
	}
	if o.AnalyzePath == "" {
		o.AnalyzePath = model.DefaultAnalyzePath
	}
	return o
}

// OptionsFromConfig converts the validated worker configuration.
func OptionsFromConfig(cfg model.Worker) (Options, error) {
	var opts Options
	for _, s := range cfg.Strategies {
		opts.Strategies = append(opts.Strategies, Strategy{
			Name: s.Name,
			Path: s.Path,
			Args: append([]string(nil), s.Args...),
		})
	}
	opts.Dir = cfg.Dir
	opts.Env = envList(cfg.Env)
	opts.HealthPath = cfg.Health.Path
	opts.AnalyzePath = cfg.AnalyzePath

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"worker.grace", cfg.Grace, &opts.Grace},
		{"worker.start_timeout", cfg.StartTimeout, &opts.StartTimeout},
		{"worker.stop_timeout", cfg.StopTimeout, &opts.StopTimeout},
		{"worker.request_timeout", cfg.RequestTimeout, &opts.RequestTimeout},
		{"worker.monitor", cfg.Monitor, &opts.Monitor},
		{"worker.health.interval", cfg.Health.Interval, &opts.HealthInterval},
		{"worker.health.timeout", cfg.Health.Timeout, &opts.HealthTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return Options{}, fmt.Errorf("parsing %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return opts, nil
}

// envList turns the env map into sorted KEY=value pairs, values starting
// with $ are expanded from the current environment.
func envList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	slices.Sort(env)
	return env
}
