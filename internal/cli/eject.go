package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// EjectCommand handles ejecting media
type EjectCommand struct {
	ctx *GlobalContext
}

// NewEjectCommand creates the eject command
func NewEjectCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &EjectCommand{ctx: ctx}

	return &cobra.Command{
		Use:   "eject <device|uuid|label|mount-point>",
		Short: "Eject the media holding a volume",
		Long:  `Eject the media of the drive a volume lives on.`,
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Run,
	}
}

// Run executes the eject command
func (c *EjectCommand) Run(cmd *cobra.Command, args []string) error {
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
	if !v.CanEject() {
		return fmt.Errorf("the drive holding %s cannot eject its media", v.Name())
	}

	c.ctx.Logger.Info("Ejecting %s...", v.Drive().Name())
	if err := v.Eject(cmd.Context()); err != nil {
		return c.ctx.Report(err)
	}
	c.ctx.Logger.Success("Media ejected")
	return nil
}
