package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nace/volmon/internal/system"
	"github.com/nace/volmon/internal/volume"
)

// AttachCommand attaches an image file as a loop device
type AttachCommand struct {
	ctx   *GlobalContext
	mount bool
	promptOptions
}

// NewAttachCommand creates the attach command
func NewAttachCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &AttachCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "attach <image-file>",
		Short: "Attach a disk image so its volumes appear",
		Long: `Attach an image file to a free loop device. With --mount the volume on
the image is unlocked and mounted, and the loop device is detached again
if that fails. Requires --backend cryptsetup.`,
		Args: cobra.ExactArgs(1),
		RunE: cmd.Run,
	}

	cobraCmd.Flags().BoolVarP(&cmd.mount, "mount", "m", false, "Mount the volume after attaching")
	cmd.register(cobraCmd)

	return cobraCmd
}

// Run executes the attach command
func (c *AttachCommand) Run(cmd *cobra.Command, args []string) error {
	image, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	if _, err := os.Stat(image); err != nil {
		return fmt.Errorf("image not accessible: %w", err)
	}
	c.ctx.Logger.Debug("Resolved image path: %s", image)

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
	if session.Loops == nil {
		return fmt.Errorf("attaching images requires --backend %s", BackendCryptsetup)
	}

	cleanup := system.NewCleanupStack()
	defer func() {
		if err := cleanup.Execute(); err != nil {
			c.ctx.Logger.Warning("Cleanup errors occurred: %v", err)
		}
	}()

	// Step 1: Attach loop device
	c.ctx.Logger.Info("Setting up loop device...")
	loopDev, err := session.Loops.AttachImage(ctx, image)
	if err != nil {
		return err
	}
	cleanup.Add(func() error {
		// ctx may already be cancelled
		return session.Loops.DetachImage(context.Background(), loopDev)
	})

	if !c.mount {
		cleanup.Clear()
		c.ctx.Logger.Success("Image attached as: %s", loopDev)
		return nil
	}

	// Step 2: Unlock and mount
	v, ok := volumeOn(session, loopDev)
	if !ok {
		return fmt.Errorf("no mountable volume on %s", image)
	}
	asker, err := c.asker()
	if err != nil {
		return err
	}
	if err := c.ctx.mountVolume(ctx, v, asker); err != nil {
		return c.ctx.Report(err)
	}

	// Success! Clear cleanup
	cleanup.Clear()
	return nil
}

// volumeOn returns the volume on loop device dev itself, else the first
// one on a partition of it.
func volumeOn(session *Session, dev string) (*volume.Volume, bool) {
	if v, ok := session.Monitor.Lookup(dev); ok {
		return v, true
	}
	for _, v := range session.Monitor.Volumes() {
		if file, ok := v.Identifier(volume.KindUnixDevice); ok && strings.HasPrefix(file, dev+"p") {
			return v, true
		}
	}
	return nil, false
}

// DetachCommand detaches a loop device
type DetachCommand struct {
	ctx *GlobalContext
}

// NewDetachCommand creates the detach command
func NewDetachCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &DetachCommand{ctx: ctx}

	return &cobra.Command{
		Use:   "detach <loop-device|image-file>",
		Short: "Detach a loop device attached with attach",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Run,
	}
}

// Run executes the detach command
func (c *DetachCommand) Run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	session, err := c.ctx.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			c.ctx.Logger.Warning("Cleanup errors occurred: %v", err)
		}
	}()
	if session.Loops == nil {
		return fmt.Errorf("detaching images requires --backend %s", BackendCryptsetup)
	}

	device := args[0]
	if abs, err := filepath.Abs(device); err == nil {
		if loop, err := session.Loops.FindLoop(ctx, abs); err == nil && loop != "" {
			device = loop
		}
	}

	if v, err := session.Resolve(device); err == nil && v.MountPath() != "" {
		return fmt.Errorf("%s is still mounted at %s", device, v.MountPath())
	}

	c.ctx.Logger.Info("Detaching loop device...")
	if err := session.Loops.DetachImage(ctx, device); err != nil {
		return err
	}
	c.ctx.Logger.Success("Detached %s", device)
	return nil
}
