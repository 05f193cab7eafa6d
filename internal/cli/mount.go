package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nace/volmon/internal/prompt"
	"github.com/nace/volmon/internal/secret"
	"github.com/nace/volmon/internal/ui"
	"github.com/nace/volmon/internal/volume"
)

// promptOptions are the passphrase flags shared by mount and attach.
type promptOptions struct {
	passwordStdin bool
	noPrompt      bool
	save          string
}

func (p *promptOptions) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&p.passwordStdin, "password-stdin", false, "Read passphrase from stdin (for automation)")
	cmd.Flags().BoolVar(&p.noPrompt, "no-prompt", false, "Only use saved passphrases, never prompt")
	cmd.Flags().StringVar(&p.save, "save", "", "Remember the passphrase: none, session or permanent (asks if unset)")
}

// asker builds the prompt for a mount request, or nil with --no-prompt.
func (p *promptOptions) asker() (prompt.Asker, error) {
	if p.noPrompt {
		return nil, nil
	}
	policy, err := secret.ParseSavePolicy(p.save)
	if err != nil {
		return nil, err
	}
	term := ui.NewTerminal(p.passwordStdin, policy, p.save == "")
	return prompt.NewOperation(term.Ask), nil
}

// MountCommand handles volume mounting
type MountCommand struct {
	ctx *GlobalContext
	promptOptions
}

// NewMountCommand creates the mount command
func NewMountCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &MountCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "mount <device|uuid|label>",
		Short: "Unlock and mount a volume",
		Long: `Mount a volume, unlocking it first if it is encrypted.

A saved passphrase is tried before prompting. Press Ctrl-C to cancel;
a dismissed prompt exits quietly.`,
		Args: cobra.ExactArgs(1),
		RunE: cmd.Run,
	}

	cmd.register(cobraCmd)

	return cobraCmd
}

// Run executes the mount command
func (c *MountCommand) Run(cmd *cobra.Command, args []string) error {
	asker, err := c.asker()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := c.ctx.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			c.ctx.Logger.Warning("Cleanup errors occurred: %v", err)
		}
	}()

	v, err := session.Resolve(args[0])
	if err != nil {
		return err
	}
	return c.ctx.Report(c.ctx.mountVolume(ctx, v, asker))
}

// mountVolume runs a mount request on v and reports where it ended up.
func (g *GlobalContext) mountVolume(ctx context.Context, v *volume.Volume, asker prompt.Asker) error {
	if !v.CanMount() {
		return fmt.Errorf("volume %s cannot be mounted", v.Name())
	}
	if path := v.MountPath(); path != "" {
		g.Logger.Info("%s is already mounted at %s", v.Name(), path)
		return nil
	}

	if v.Encrypted() && v.CleartextObjectPath() == "" {
		g.Logger.Info("Unlocking %s...", v.Name())
	} else {
		g.Logger.Info("Mounting %s...", v.Name())
	}
	if err := v.Mount(ctx, volume.MountNone, asker); err != nil {
		return err
	}

	if path := v.MountPath(); path != "" {
		g.Logger.Success("%s mounted at: %s", v.Name(), path)
	} else {
		g.Logger.Success("%s mounted", v.Name())
	}
	return nil
}
