package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/diffr-sync/diffr/archive"
	"github.com/diffr-sync/diffr/config"
	"github.com/diffr-sync/diffr/scan"
	dsync "github.com/diffr-sync/diffr/sync"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "diffr",
	Short: "Reconcile file trees across physical drives without losing data",
	Long: `diffr keeps a cluster of drives in sync using a declared topology and
conflict strategy. Every overwrite or deletion it performs is preceded by a
compressed, restorable archive of the previous version.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("diffr version %s\nCommit: %s\n", Version, Commit))

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (default ~/.diffr/config.yaml)")
	pf.String("db-path", "", "database path")
	pf.Bool("verbose", false, "log progress to the console")
	pf.StringP("output", "o", "text", "output format: text or yaml")
	bindFlags(pf, map[string]string{"db-path": "db_path"})

	rootCmd.AddCommand(initCmd, driveCmd, clusterCmd, syncCmd, statusCmd, historyCmd, archiveCmd)
}

// bindFlags maps command-line flags onto config keys so flags take
// precedence over the config file and environment.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		v.BindPFlag(key, fs.Lookup(flag)) //nolint:errcheck
	}
}

// app holds what every command needs once configuration is loaded.
type app struct {
	cfg   *config.Config
	fs    afero.Fs
	store *dsync.Store
}

func openApp(cmd *cobra.Command) (*app, error) {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, file)
	if err != nil {
		return nil, err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	dsync.InitLogger(cfg.LogDir, !verbose)

	db, err := dsync.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, fs: afero.NewOsFs(), store: dsync.NewStore(db)}, nil
}

func (a *app) Close() {
	a.store.Close() //nolint:errcheck
}

func (a *app) archivist() *archive.Archivist {
	return archive.New(a.fs, a.store)
}

// engine wires the run pipeline. The returned func closes the digest cache.
func (a *app) engine() (*dsync.Engine, func(), error) {
	cache, err := scan.OpenDigestCache(a.cfg.CachePath)
	if err != nil {
		return nil, nil, err
	}
	arch := a.archivist()
	e := dsync.NewEngine(dsync.EngineDeps{
		Store:     a.store,
		Fs:        a.fs,
		Scanner:   scan.New(a.fs, cache),
		Discovery: a.cfg.NewDiscovery(a.fs),
		Archivist: arch,
		Retention: arch,
	})
	return e, func() { cache.Close() }, nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the diffr home directory, config and database",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		cfgFile := filepath.Join(a.cfg.Home, "config.yaml")
		if ok, _ := afero.Exists(a.fs, cfgFile); !ok {
			if err := v.WriteConfigAs(cfgFile); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("✓ Wrote %s\n", cfgFile)
		}
		fmt.Printf("✓ Database ready at %s\n", a.cfg.DBPath)
		return nil
	},
}
