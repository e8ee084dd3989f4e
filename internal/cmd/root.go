// Package cmd implements the eligibility-extractor command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Sternrassler/eligibility-extractor/internal/config"
	"github.com/Sternrassler/eligibility-extractor/pkg/logging"
)

var (
	cfgFile string
	verbose bool

	// Loaded by the root PersistentPreRunE for every command except version.
	cfg    *config.Config
	logger zerolog.Logger

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// flagKeys maps command-line flags onto configuration keys. Only flags the
// user actually set override the file and environment layers.
var flagKeys = map[string]string{
	"npi-csv":            "input.npi_csv_path",
	"npi-column":         "input.npi_column",
	"output-dir":         "output.base_dir",
	"years":              "processing.years",
	"checkpoint-every":   "processing.checkpoint_interval",
	"limiter-scope":      "rate_limit.scope",
	"metrics-addr":       "metrics.addr",
	"checkpoint-backend": "checkpoint.backend",
	"redis-addr":         "checkpoint.redis_addr",
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "eligibility-extractor",
	Short: "Rate-limited eligibility retrieval",
	Long: `eligibility-extractor fetches eligibility records for a list of NPIs,
one partition per performance year, under the API's request rate limit.

Runs checkpoint their progress and can be resumed after an interruption.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

// loadConfig layers defaults, the config file, ELIGIBILITY_* variables and
// changed flags, then configures logging.
func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := buildConfig(cmd.Flags())
	if err != nil {
		return err
	}
	cfg = loaded
	logger = logging.Setup(cfg.LoggingConfig(os.Stderr))
	return nil
}

func buildConfig(flags *pflag.FlagSet) (*config.Config, error) {
	v, err := config.New(cfgFile)
	if err != nil {
		return nil, err
	}

	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "sequential":
			if f.Value.String() == "true" {
				v.Set("processing.parallel", false)
			}
		case "no-raw":
			if f.Value.String() == "true" {
				v.Set("processing.save_raw_responses", false)
			}
		default:
			if key, ok := flagKeys[f.Name]; ok {
				v.Set(key, f.Value.String())
			}
		}
	})
	if verbose {
		v.Set("logging.level", "debug")
	}

	loaded, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return loaded, nil
}
