package model

import (
	"context"
	"io"
	"runtime"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultHealthPath  = "/api/health"
	DefaultAnalyzePath = "/api/analyze"
	DefaultListen      = "127.0.0.1:8765"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Service Service `json:"service" yaml:"service"`
	Worker  Worker  `json:"worker" yaml:"worker"`
	Bridge  Bridge  `json:"bridge" yaml:"bridge"`
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
}

// Worker describes how the analysis worker is launched and addressed.
// Durations are Go duration strings, e.g. "500ms" or "12s".
type Worker struct {
	Dir            string            `json:"dir" yaml:"dir"` // working directory, empty => cwd
	Env            map[string]string `json:"env" yaml:"env,omitempty"`
	Strategies     []Strategy        `json:"strategies,omitempty" yaml:"strategies"`
	Grace          string            `json:"grace" yaml:"grace"`
	StartTimeout   string            `json:"start_timeout" yaml:"start_timeout"`
	StopTimeout    string            `json:"stop_timeout" yaml:"stop_timeout"`
	RequestTimeout string            `json:"request_timeout" yaml:"request_timeout"`
	AnalyzePath    string            `json:"analyze_path" yaml:"analyze_path"`
	Monitor        string            `json:"monitor" yaml:"monitor"` // empty => disabled
	Health         Health            `json:"health" yaml:"health"`
}

// Strategy is one candidate command line. Args may contain {port} and {host}.
type Strategy struct {
	Name string   `json:"name" yaml:"name"`
	Path string   `json:"path" yaml:"path"`
	Args []string `json:"args" yaml:"args"`
}

type Health struct {
	Path     string `json:"path" yaml:"path"`
	Interval string `json:"interval" yaml:"interval"`
	Timeout  string `json:"timeout" yaml:"timeout"`
}

type Bridge struct {
	Listen string `json:"listen" yaml:"listen"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Missing strategies are replaced by DefaultStrategies.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if len(out.Worker.Strategies) == 0 {
		out.Worker.Strategies = DefaultStrategies()
	}

	return out, nil
}

func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Service: Service{
			Log: LogStderr,
		},
		Worker: Worker{
			Strategies:     DefaultStrategies(),
			Grace:          "500ms",
			StartTimeout:   "15s",
			StopTimeout:    "3s",
			RequestTimeout: "5m",
			AnalyzePath:    DefaultAnalyzePath,
			Health: Health{
				Path:     DefaultHealthPath,
				Interval: "200ms",
				Timeout:  "12s",
			},
		},
		Bridge: Bridge{
			Listen: DefaultListen,
		},
	}
}

// DefaultStrategies prefers an ephemeral uvx environment, then uv run, then the
// system interpreter with uvicorn already installed.
func DefaultStrategies() []Strategy {
	exe := func(name string) string {
		if runtime.GOOS == "windows" {
			return name + ".exe"
		}
		return name
	}
	return []Strategy{
		{
			Name: "uvx",
			Path: exe("uvx"),
			Args: []string{
				"--with", "fastapi",
				"--with", "uvicorn",
				"--with", "pypsa",
				"uvicorn", "app:app",
				"--host", "{host}", "--port", "{port}",
			},
		},
		{
			Name: "uv",
			Path: exe("uv"),
			Args: []string{
				"run",
				"--with", "fastapi",
				"--with", "uvicorn",
				"--with", "pypsa",
				"--", "python", "-m", "uvicorn", "app:app",
				"--host", "{host}", "--port", "{port}",
			},
		},
		{
			Name: "python",
			Path: exe(pythonName()),
			Args: []string{"-m", "uvicorn", "app:app", "--host", "{host}", "--port", "{port}"},
		},
	}
}

func pythonName() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}
