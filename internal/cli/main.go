package cli

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/evolvedb/evolve"
	"github.com/evolvedb/evolve/database"
	"github.com/evolvedb/evolve/source/yamlfile"
)

const (
	upUsage = `up [-target ID]    Apply pending migrations, stopping after ID if given`

	rollbackUsage = `rollback [ID] [-force]    Roll back the most recently applied migration, or ID
	Use -force to roll back out of order (later migrations may depend on it)`

	statusUsage = `status       Show applied/pending state for every migration`

	dropUsage = `drop [-f]    Drop everything inside database
	Use -f to bypass confirmation`
)

func handleSubCmdHelp(help bool, usage string, flagSet *flag.FlagSet) {
	if help {
		fmt.Fprintln(os.Stderr, usage)
		flagSet.PrintDefaults()
		os.Exit(0)
	}
}

func newFlagSetWithHelp(name string) (*flag.FlagSet, *bool) {
	flagSet := flag.NewFlagSet(name, flag.ExitOnError)
	helpPtr := flagSet.Bool("help", false, "Print help information")
	return flagSet, helpPtr
}

// set main log
var log = &Log{}

func printUsageAndExit() {
	flag.Usage()

	// If a command is not found we exit with a status 2 to match the behavior
	// of flag.Parse() with flag.ExitOnError when parsing an invalid flag.
	os.Exit(2)
}

// Main function of a cli application. Flags not given on the command line
// fall back to EVOLVE_* environment variables.
func Main(version string) {
	helpPtr := flag.Bool("help", false, "")
	versionPtr := flag.Bool("version", false, "")
	verbosePtr := flag.Bool("verbose", false, "")
	lockTimeoutPtr := flag.Uint("lock-timeout", 15, "")
	migrationsPtr := flag.String("migrations", "", "")
	databasePtr := flag.String("database", "", "")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr,
			`Usage: evolve OPTIONS COMMAND [arg...]
       evolve [ -version | -help ]

Options:
  -migrations DIR  Directory of migration descriptor files (env EVOLVE_MIGRATIONS)
  -database URL    Run migrations against this database (driver://url) (env EVOLVE_DATABASE)
  -lock-timeout N  Allow N seconds to acquire database lock (default 15)
  -verbose         Print verbose logging
  -version         Print version
  -help            Print usage

Commands:
  %s
  %s
  %s
  %s

Database drivers: `+strings.Join(database.List(), ", ")+"\n",
			upUsage, rollbackUsage, statusUsage, dropUsage)
	}

	flag.Parse()

	// initialize logger
	log.verbose = *verbosePtr

	// show cli version
	if *versionPtr {
		fmt.Fprintln(os.Stderr, version)
		os.Exit(0)
	}

	// show help
	if *helpPtr {
		flag.Usage()
		os.Exit(0)
	}

	// environment fallback for the connection settings
	viper.SetEnvPrefix("EVOLVE")
	viper.AutomaticEnv()
	if *migrationsPtr == "" {
		*migrationsPtr = viper.GetString("migrations")
	}
	if *databasePtr == "" {
		*databasePtr = viper.GetString("database")
	}

	// load the registry and initialize the runner
	// don't catch runnerErr here and let each command decide
	// how it wants to handle the error
	runner, runnerErr := newRunner(*migrationsPtr, *databasePtr)
	defer func() {
		if runnerErr == nil {
			if err := runner.Close(); err != nil {
				log.Println(err)
			}
		}
	}()
	if runnerErr == nil {
		runner.Log = log
		runner.LockTimeout = time.Duration(int64(*lockTimeoutPtr)) * time.Second

		// handle Ctrl+c
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT)
		go func() {
			for range signals {
				log.Println("Stopping after this running migration ...")
				runner.GracefulStop <- true
				return
			}
		}()
	}

	startTime := time.Now()

	if len(flag.Args()) < 1 {
		printUsageAndExit()
	}
	args := flag.Args()[1:]

	switch flag.Arg(0) {
	case "up":
		upSet, helpPtr := newFlagSetWithHelp("up")
		targetPtr := upSet.String("target", "", "Apply only up to and including this migration id")

		if err := upSet.Parse(args); err != nil {
			log.fatalErr(err)
		}

		handleSubCmdHelp(*helpPtr, upUsage, upSet)

		if runnerErr != nil {
			log.fatalErr(runnerErr)
		}

		if err := upCmd(runner, *targetPtr); err != nil {
			log.fatalErr(err)
		}

		if log.verbose {
			log.Println("Finished after", time.Since(startTime))
		}

	case "rollback":
		rollbackSet, helpPtr := newFlagSetWithHelp("rollback")
		forcePtr := rollbackSet.Bool("force", false, "Allow rolling back a migration that is not the most recently applied one")

		if err := rollbackSet.Parse(args); err != nil {
			log.fatalErr(err)
		}

		handleSubCmdHelp(*helpPtr, rollbackUsage, rollbackSet)

		if runnerErr != nil {
			log.fatalErr(runnerErr)
		}

		id := ""
		if rollbackSet.NArg() > 0 {
			id = rollbackSet.Arg(0)
		}

		if err := rollbackCmd(runner, id, *forcePtr); err != nil {
			log.fatalErr(err)
		}

		if log.verbose {
			log.Println("Finished after", time.Since(startTime))
		}

	case "status":
		statusSet, helpPtr := newFlagSetWithHelp("status")

		if err := statusSet.Parse(args); err != nil {
			log.fatalErr(err)
		}

		handleSubCmdHelp(*helpPtr, statusUsage, statusSet)

		if runnerErr != nil {
			log.fatalErr(runnerErr)
		}

		if err := statusCmd(runner); err != nil {
			log.fatalErr(err)
		}

	case "drop":
		dropSet, helpPtr := newFlagSetWithHelp("drop")
		forceDrop := dropSet.Bool("f", false, "Force the drop command by bypassing the confirmation prompt")

		if err := dropSet.Parse(args); err != nil {
			log.fatalErr(err)
		}

		handleSubCmdHelp(*helpPtr, dropUsage, dropSet)

		if !*forceDrop {
			log.Println("Are you sure you want to drop the entire database schema? [y/N]")
			var response string
			_, _ = fmt.Scanln(&response)
			response = strings.ToLower(strings.TrimSpace(response))

			if response == "y" {
				log.Println("Dropping the entire database schema")
			} else {
				log.fatal("Aborted dropping the entire database schema")
			}
		}

		if runnerErr != nil {
			log.fatalErr(runnerErr)
		}

		if err := dropCmd(runner); err != nil {
			log.fatalErr(err)
		}

		if log.verbose {
			log.Println("Finished after", time.Since(startTime))
		}

	default:
		printUsageAndExit()
	}
}

func newRunner(migrationsDir, databaseURL string) (*evolve.Runner, error) {
	if migrationsDir == "" {
		return nil, fmt.Errorf("please specify a migrations directory with -migrations or EVOLVE_MIGRATIONS")
	}
	if databaseURL == "" {
		return nil, fmt.Errorf("please specify a database URL with -database or EVOLVE_DATABASE")
	}

	registry, err := yamlfile.Load(migrationsDir)
	if err != nil {
		return nil, err
	}

	runner, err := evolve.New(registry, databaseURL)
	if err != nil {
		return nil, database.RedactPassword(err)
	}
	return runner, nil
}
