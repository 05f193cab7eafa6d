package cli

import (
	"github.com/spf13/cobra"

	"github.com/nace/volmon/internal/ui"
)

// ForgetCommand removes a remembered passphrase
type ForgetCommand struct {
	ctx *GlobalContext
	yes bool
}

// NewForgetCommand creates the forget command
func NewForgetCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &ForgetCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "forget <device|uuid|label>",
		Short: "Forget the saved passphrase of an encrypted volume",
		Long:  `Remove the passphrase of a volume from both the session and the permanent keyring.`,
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().BoolVarP(&cmd.yes, "yes", "y", false, "Do not ask for confirmation")

	return cobraCmd
}

// Run executes the forget command
func (c *ForgetCommand) Run(cmd *cobra.Command, args []string) error {
	session, err := c.ctx.Connect(cmd.Context())
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
	if !v.Encrypted() {
		c.ctx.Logger.Warning("%s is not encrypted", v.Name())
		return nil
	}

	if !c.yes && !ui.PromptConfirm("Forget the saved passphrase for "+v.Name()+"?") {
		c.ctx.Logger.Info("Cancelled")
		return nil
	}

	session.Keyring.Forget(cmd.Context(), v.SecretKey())
	c.ctx.Logger.Success("Passphrase for %s forgotten", v.Name())
	return nil
}
