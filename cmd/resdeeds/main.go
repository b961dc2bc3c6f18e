package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/resdeeds/resdeeds/internal/log"
	"github.com/resdeeds/resdeeds/internal/model"
)

const configName = "resdeeds.yaml"

var (
	userConfigPath string       // /default/config/path/resdeeds on given OS
	configPath     string       // actual config file used (if loaded)
	config         model.Config
	closeLog       func() error // closes the log file, if any

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagParallel       int    // value of analyze --parallel flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "resdeeds")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	analyzeCmd.Flags().IntVar(&flagParallel, "parallel", 4, "maximum number of concurrent analyses")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initResdeeds

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(versionCmd)

	err := rootCmd.Execute()
	if err != nil {
		slog.Error("resdeeds failed", "err", err)
	}
	if closeLog != nil {
		_ = closeLog()
	}
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "resdeeds",
	Short:        "Supervisor of the local power-flow analysis engine",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the local bridge for the web UI until interrupted",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "start the analysis engine and query its health",
	Args:  cobra.NoArgs,
	RunE:  doHealth,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze FILE...",
	Short: "run the analysis of network files, - reads the standard input",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doAnalyze,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of resdeeds",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("resdeeds: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("resdeeds: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initResdeeds(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("RESDEEDSCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(context.Background())
		configPath = filepath.Join(userConfigPath, configName)
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration: "+d.String(), d.Attr("cue"))
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	w, closer, err := log.Open(config.Service.Log)
	if err != nil {
		return err
	}
	closeLog = closer
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug("resdeeds run", "configPath", configPath)
	slog.Debug("resdeeds run", "config", config)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
