// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface for wgfleet using the Cobra
// library. It defines the root command, shared flags and the service
// wiring (config, i18n, database, SSH dialer) every subcommand relies on.

package cli

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/veitkamp/wgfleet/internal/config"
	"github.com/veitkamp/wgfleet/internal/db"
	"github.com/veitkamp/wgfleet/internal/deploy"
	"github.com/veitkamp/wgfleet/internal/i18n"
	"github.com/veitkamp/wgfleet/internal/logging"
	"github.com/veitkamp/wgfleet/internal/metrics"
	"github.com/veitkamp/wgfleet/internal/peer"
	"github.com/veitkamp/wgfleet/internal/remote"
	"github.com/veitkamp/wgfleet/internal/security"
)

var version = "dev"   // this will be set by the linker
var gitCommit = "dev" // set at build time with the short commit SHA
var buildDate = ""    // set at build time (RFC3339)

var cfgFile string
var verbose bool

var appConfig config.Config

// Service singletons wired in setupDefaultServices. Package-level so every
// subcommand shares the same deployment locks and dialer.
var (
	dialFunc   remote.DialFunc = remote.Dial
	controller *deploy.Controller
	manager    *peer.Manager
	sampler    *metrics.Sampler
)

// setupDefaultServices loads the configuration and brings up everything a
// subcommand needs: logging level, translations, database, session key and
// the SSH-backed service objects.
func setupDefaultServices(cmd *cobra.Command, args []string) error {
	optionalConfigPath, err := getConfigPathFromCli(cmd)
	if err != nil {
		return err
	}

	appConfig, err = config.LoadConfig[config.Config](cmd, config.Defaults(), optionalConfigPath)
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		// First run, or the config file was deleted. Persist a default one
		// so subsequent runs have a file to inspect; the app still works
		// on defaults if the write fails.
		if writeErr := config.WriteConfigFile(&appConfig, false); writeErr != nil {
			log.Warnf("could not write default config file: %v", writeErr)
		}
	} else if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	// Guard against empty values in a hand-edited config file.
	defaults := config.Defaults()
	if appConfig.Database.Type == "" {
		appConfig.Database.Type = defaults["database.type"].(string)
	}
	if appConfig.Database.Dsn == "" {
		appConfig.Database.Dsn = defaults["database.dsn"].(string)
	}
	if appConfig.Language == "" {
		appConfig.Language = defaults["language"].(string)
	}

	logging.SetDebug(verbose || appConfig.Verbose)
	if verbose {
		db.SetDebug(true)
	}

	i18n.Init(appConfig.Language)

	if !db.IsInitialized() {
		if err := db.InitDB(appConfig.Database.Type, appConfig.Database.Dsn); err != nil {
			return errors.New(i18n.T("config.error_init_db", err))
		}
	}
	security.SetSettingsStore(db.Settings())
	// Resolve the session key now so a first run generates and persists
	// the instance secret before any command needs it.
	if _, err := security.SessionKey(); err != nil {
		log.Warnf("could not resolve session key: %v", err)
	}

	controller = deploy.NewController(dialFunc)
	manager = peer.NewManager(dialFunc)
	sampler = metrics.NewSampler(dialFunc, controller.Busy)

	return nil
}

// Execute runs the CLI entrypoint. The main package calls this function
// and handles process exit.
func Execute() error {
	return NewRootCmd().Execute()
}

func getConfigPathFromCli(cmd *cobra.Command) (*string, error) {
	// Only honor the flag when the user explicitly set it.
	if !cmd.Flags().Changed("config") {
		return nil, nil
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("could not read --config flag: %w", err)
	}
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
	}
	return &path, nil
}

// NewRootCmd creates and configures a new root cobra command. Used for the
// real entrypoint and for fresh instances in isolated tests.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wgfleet",
		Short: "wgfleet manages a fleet of WireGuard gateway hosts.",
		Long: `wgfleet turns plain Linux boxes into managed WireGuard gateways.
Register a host, deploy it over SSH, hand out per-device credentials,
and keep an eye on traffic and host health from one place. A database
is the source of truth; the gateways carry no agent.`,
		SilenceUsage: true,
	}

	cmd.Version = compositeVersion()

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output (also sets -v for DB logs)")
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	cmd.PersistentFlags().String("language", "en", `output language ("en", "de")`)
	cmd.PersistentFlags().String("database.type", "sqlite", "Database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("database.dsn", "./wgfleet.db", "Database connection string (DSN)")

	cmd.AddCommand(
		newHostCmd(),
		newPeerCmd(),
		newMetricsCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newDBMaintainCmd(),
		newAuditCmd(),
		newVersionCmd(),
	)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			v, c, d := resolveBuildVersion(nil)
			fmt.Printf("version: %s\n", v)
			fmt.Printf("commit: %s\n", c)
			if d != "" {
				fmt.Printf("built: %s\n", d)
			}
		},
	}
}

func compositeVersion() string {
	v, c, d := resolveBuildVersion(nil)
	composite := v
	if c != "" && c != "dev" {
		composite = composite + " (" + c + ")"
	}
	if d != "" {
		composite = composite + " built: " + d
	}
	return composite
}

// resolveBuildVersion computes the best-available version, commit and build
// date for the running binary. If `info` is nil, it reads build info from
// the runtime. Separated out to make unit testing straightforward.
func resolveBuildVersion(info *debug.BuildInfo) (versionOut, commitOut, dateOut string) {
	resolvedVersion := version
	resolvedCommit := gitCommit
	resolvedDate := buildDate

	if info == nil {
		if infoLocal, found := debug.ReadBuildInfo(); found {
			info = infoLocal
		}
	}

	if info != nil {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			resolvedVersion = info.Main.Version
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					resolvedCommit = s.Value
				}
			case "vcs.time":
				if s.Value != "" {
					resolvedDate = s.Value
				}
			}
		}
	}

	if resolvedVersion == "dev" && gitCommit != "dev" && gitCommit != "" {
		resolvedVersion = gitCommit
	}

	return resolvedVersion, resolvedCommit, resolvedDate
}
