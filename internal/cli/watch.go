package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hashicorp/go-metrics"
	"github.com/spf13/cobra"

	"github.com/nace/volmon/internal/monitor"
	"github.com/nace/volmon/internal/mounterr"
	"github.com/nace/volmon/internal/volume"
)

// WatchCommand prints volume events until interrupted
type WatchCommand struct {
	ctx       *GlobalContext
	automount bool

	mu      sync.Mutex
	out     io.Writer
	pending sync.WaitGroup
}

// NewWatchCommand creates the watch command
func NewWatchCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &WatchCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "watch",
		Short: "Print volume events as they happen",
		Long: `Print volumes as they are added, changed or removed until interrupted.

With --automount, newly inserted media is mounted using saved passphrases
only. Send SIGUSR1 to dump the collected metrics to stderr.`,
		Args: cobra.NoArgs,
		RunE: cmd.Run,
	}

	cobraCmd.Flags().BoolVar(&cmd.automount, "automount", false, "Mount new volumes that should be automounted")

	return cobraCmd
}

// Run executes the watch command
func (c *WatchCommand) Run(cmd *cobra.Command, args []string) error {
	c.out = cmd.OutOrStdout()

	sink, err := c.ctx.EnableMetrics()
	if err != nil {
		return err
	}
	dump := metrics.DefaultInmemSignal(sink)
	defer dump.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := c.ctx.Connect(ctx)
	if err != nil {
		return err
	}
	return c.watch(ctx, session)
}

func (c *WatchCommand) watch(ctx context.Context, session *Session) error {
	unsubscribe := session.Monitor.Subscribe(func(ev monitor.Event) {
		c.print(ev.Kind.String(), ev.Volume)
		if ev.Kind == monitor.VolumeAdded && c.automount {
			c.maybeAutomount(ctx, ev.Volume)
		}
	})

	for _, v := range session.Monitor.Volumes() {
		c.print("present", v)
	}
	c.ctx.Logger.Info("Watching for volume changes (Ctrl-C to stop)")

	<-ctx.Done()
	unsubscribe()

	err := session.Close()
	c.pending.Wait()
	if err != nil {
		c.ctx.Logger.Warning("Cleanup errors occurred: %v", err)
	}
	return nil
}

func (c *WatchCommand) print(kind string, v *volume.Volume) {
	state := v.State()
	mounted := v.MountPath()
	if mounted == "" {
		mounted = "-"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%-8s %-24s %-24s %s\n", kind, state.Name, orDash(state.DeviceFile), mounted)
}

// maybeAutomount mounts v in the background when it asks for it. No prompt
// is offered; encrypted volumes need a saved passphrase.
func (c *WatchCommand) maybeAutomount(ctx context.Context, v *volume.Volume) {
	if !v.ShouldAutomount() || !v.CanMount() || v.MountPath() != "" {
		return
	}
	p := v.MountAsync(ctx, volume.MountNone, nil)
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		err := p.Wait()
		switch {
		case err == nil:
			c.ctx.Logger.Success("Automounted %s", v.Name())
		case mounterr.IsSilent(err):
			c.ctx.Logger.Debug("Automount of %s skipped: %v", v.Name(), err)
		default:
			c.ctx.Logger.Warning("Automount of %s failed: %v", v.Name(), err)
		}
	}()
}
