package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/jobd-dev/jobd/internal/log"
	"github.com/jobd-dev/jobd/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const configName = "jobd.yaml"

var (
	userConfigPath string // /default/config/path/jobd on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logOutput      io.WriteCloser

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "jobd")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in "+userConfigPath+" or in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initJobd
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if logOutput != nil {
			_ = logOutput.Close()
		}
	}

	submitCmd.Flags().StringVar(&flagJobName, "name", "", "job name, defaults to the spec name")
	submitCmd.Flags().StringArrayVarP(&flagInputs, "input", "i", nil, "input as id=value, value is parsed as JSON when possible")
	submitCmd.Flags().BoolVarP(&flagFollow, "follow", "f", false, "copy job stdout and stderr to the terminal")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(specsCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("jobd failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "jobd",
	Short:        "Runs command line programs as jobs described by specs",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the HTTP API and run submitted jobs",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

var specsCmd = &cobra.Command{
	Use:   "specs",
	Short: "list specs available in the workspace",
	Args:  cobra.NoArgs,
	RunE:  doSpecs,
}

var submitCmd = &cobra.Command{
	Use:   "submit <spec>",
	Short: "run a single job in the workspace and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE:  doSubmit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a jobd",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("jobd: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("jobd:   %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initJobd(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("JOBDCONFIG"); ok {
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
		if err := writeDefaultConfig(configPath, config); err != nil {
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
				slog.Error("invalid config", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	abs, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}
	config.Workspace = config.Workspace.Resolve(filepath.Dir(abs))

	// initialize logging
	logOutput, err = log.Output(config.Service.Log)
	if err != nil {
		return fmt.Errorf("opening log %s: %w", config.Service.Log, err)
	}
	slog.SetDefault(log.New(logOutput, config.Service.Verbose))

	slog.Debug("jobd run", "configPath", configPath)
	slog.Debug("jobd run", "config", config)
	return nil
}

func writeDefaultConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
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
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
