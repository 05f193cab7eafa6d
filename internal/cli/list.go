package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/cobra"

	"github.com/nace/volmon/internal/ui"
	"github.com/nace/volmon/internal/volume"
)

// volumeInfo is the list and info view of a volume.
type volumeInfo struct {
	Name            string `json:"name"`
	Icon            string `json:"icon"`
	Device          string `json:"device"`
	ObjectPath      string `json:"object_path"`
	UUID            string `json:"uuid,omitempty"`
	Label           string `json:"label,omitempty"`
	Encrypted       bool   `json:"encrypted"`
	Unlocked        bool   `json:"unlocked"`
	CanMount        bool   `json:"can_mount"`
	ShouldAutomount bool   `json:"should_automount"`
	CanEject        bool   `json:"can_eject"`
	MountPoint      string `json:"mount_point,omitempty"`
	ActivationRoot  string `json:"activation_root,omitempty"`
	Drive           string `json:"drive,omitempty"`
	Size            uint64 `json:"size,omitempty"`
	Used            uint64 `json:"used,omitempty"`
}

// diskUsage reports filesystem usage; tests replace it.
var diskUsage = disk.UsageWithContext

func describe(ctx context.Context, v *volume.Volume) volumeInfo {
	state := v.State()
	info := volumeInfo{
		Name:            state.Name,
		Icon:            state.Icon,
		Device:          state.DeviceFile,
		ObjectPath:      v.ObjectPath(),
		UUID:            v.UUID(),
		Encrypted:       v.Encrypted(),
		Unlocked:        v.CleartextObjectPath() != "",
		CanMount:        state.CanMount,
		ShouldAutomount: state.ShouldAutomount,
		CanEject:        v.CanEject(),
		MountPoint:      v.MountPath(),
		ActivationRoot:  v.ActivationRoot(),
	}
	if label, ok := v.Identifier(volume.KindLabel); ok {
		info.Label = label
	}
	if drive := v.Drive(); drive != nil {
		info.Drive = drive.Name()
	}
	if info.MountPoint != "" {
		if stat, err := diskUsage(ctx, info.MountPoint); err == nil {
			info.Size = stat.Total
			info.Used = stat.Used
		}
	}
	return info
}

// ListCommand handles listing volumes
type ListCommand struct {
	ctx     *GlobalContext
	verbose bool
	json    bool

	out io.Writer
}

// NewListCommand creates the list command
func NewListCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &ListCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "list",
		Short: "List mountable volumes",
		Long:  `List every volume the storage backend offers, with its mount state and usage.`,
		Args:  cobra.NoArgs,
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().BoolVarP(&cmd.verbose, "verbose", "v", false, "Verbose output")
	cobraCmd.Flags().BoolVarP(&cmd.json, "json", "j", false, "JSON output")

	return cobraCmd
}

// Run executes the list command
func (c *ListCommand) Run(cmd *cobra.Command, args []string) error {
	c.out = cmd.OutOrStdout()

	session, err := c.ctx.Connect(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			c.ctx.Logger.Warning("Cleanup errors occurred: %v", err)
		}
	}()

	vols := session.Monitor.Volumes()
	infos := make([]volumeInfo, 0, len(vols))
	for _, v := range vols {
		infos = append(infos, describe(cmd.Context(), v))
	}

	// Output based on format
	if c.json {
		return ui.WriteJSON(c.out, infos)
	}

	if len(infos) == 0 {
		fmt.Fprintln(c.out, "No volumes found")
		return nil
	}

	if c.verbose {
		c.printVerbose(infos)
	} else {
		c.printTable(infos)
	}
	return nil
}

func (c *ListCommand) printTable(infos []volumeInfo) {
	table := ui.NewTable("NAME", "DEVICE", "UUID", "MOUNT POINT", "SIZE", "USED", "AUTOMOUNT")

	for _, info := range infos {
		size := "-"
		used := "-"
		if info.Size > 0 {
			size = humanize.Bytes(info.Size)
			used = humanize.Bytes(info.Used)
		}

		table.AddRow(
			info.Name,
			orDash(info.Device),
			orDash(info.UUID),
			orDash(info.MountPoint),
			size,
			used,
			yesNo(info.ShouldAutomount),
		)
	}

	table.Write(c.out)
}

func (c *ListCommand) printVerbose(infos []volumeInfo) {
	for i, info := range infos {
		if i > 0 {
			fmt.Fprintln(c.out)
		}
		printInfo(c.out, info)
	}
}

func printInfo(w io.Writer, info volumeInfo) {
	fmt.Fprintf(w, "Volume: %s\n", info.Name)
	fmt.Fprintf(w, "  Device: %s\n", orDash(info.Device))
	fmt.Fprintf(w, "  Object: %s\n", info.ObjectPath)

	if info.UUID != "" {
		fmt.Fprintf(w, "  UUID: %s\n", info.UUID)
	}
	if info.Label != "" {
		fmt.Fprintf(w, "  Label: %s\n", info.Label)
	}
	if info.Drive != "" {
		fmt.Fprintf(w, "  Drive: %s\n", info.Drive)
	}
	if info.Encrypted {
		fmt.Fprintf(w, "  Encrypted: %s\n", map[bool]string{true: "unlocked", false: "locked"}[info.Unlocked])
	}
	if info.ActivationRoot != "" {
		fmt.Fprintf(w, "  Activation Root: %s\n", info.ActivationRoot)
	}
	fmt.Fprintf(w, "  Automount: %s\n", yesNo(info.ShouldAutomount))
	fmt.Fprintf(w, "  Can Eject: %s\n", yesNo(info.CanEject))

	if info.MountPoint != "" {
		fmt.Fprintf(w, "  Mount Point: %s\n", info.MountPoint)
	}

	if info.Size > 0 {
		fmt.Fprintf(w, "  Size: %s\n", humanize.Bytes(info.Size))
		percentage := float64(info.Used) / float64(info.Size) * 100
		fmt.Fprintf(w, "  Used: %s (%.1f%%)\n", humanize.Bytes(info.Used), percentage)
		if info.Size > info.Used {
			fmt.Fprintf(w, "  Available: %s\n", humanize.Bytes(info.Size-info.Used))
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
