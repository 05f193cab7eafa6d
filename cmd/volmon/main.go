package main

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/nace/volmon/internal/cli"
)

var (
	opts = cli.DefaultOptions()

	ctx  *cli.GlobalContext
	once sync.Once
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, cli.ErrSilent) {
			ctx.Logger.Error("%v", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "volmon",
	Short: "volmon - removable volume monitor",
	Long: `volmon lists the volumes of removable and encrypted drives and mounts
them on request, unlocking LUKS containers with a saved or prompted
passphrase.

It talks to UDisks2 on the system bus by default, asking polkit for
authorization where needed. As root, --backend cryptsetup drives
cryptsetup, lsblk and mount directly instead.`,
	Version:       "0.1.0",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Update context components with parsed flag values
		once.Do(func() {
			ctx.Apply(opts)
		})
	},
}

func init() {
	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.Backend, "backend", opts.Backend, "Storage backend: udisks or cryptsetup")
	flags.StringVar(&opts.KeyringDB, "keyring-db", opts.KeyringDB, "Permanent keyring database (\"none\" to disable)")
	flags.StringVar(&opts.KeyringKey, "keyring-key", opts.KeyringKey, "Key file sealing the permanent keyring (created if missing)")
	flags.BoolVar(&opts.NoPolkit, "no-polkit", false, "Do not ask polkit for authorization")
	flags.DurationVar(&opts.SessionTTL, "session-ttl", opts.SessionTTL, "How long session passphrases are kept")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "Verbose output")
	flags.BoolVarP(&opts.Quiet, "quiet", "q", false, "Quiet mode (suppress non-error output)")
	flags.BoolVar(&opts.NoColor, "no-color", false, "Disable color output")
	flags.BoolVar(&opts.Debug, "debug", false, "Debug mode (show commands and backend traffic)")

	// Create initial context with default values
	// Will be updated in PersistentPreRun with parsed flag values
	ctx = cli.NewGlobalContext(opts)

	// Register commands
	rootCmd.AddCommand(cli.NewListCommand(ctx))
	rootCmd.AddCommand(cli.NewMountCommand(ctx))
	rootCmd.AddCommand(cli.NewEjectCommand(ctx))
	rootCmd.AddCommand(cli.NewInfoCommand(ctx))
	rootCmd.AddCommand(cli.NewWatchCommand(ctx))
	rootCmd.AddCommand(cli.NewForgetCommand(ctx))
	rootCmd.AddCommand(cli.NewAttachCommand(ctx))
	rootCmd.AddCommand(cli.NewDetachCommand(ctx))

	// Set up help templates
	rootCmd.SetHelpCommand(&cobra.Command{
		Use:    "no-help",
		Hidden: true,
	})

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
