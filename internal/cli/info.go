package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nace/volmon/internal/ui"
)

// InfoCommand shows the details of one volume
type InfoCommand struct {
	ctx  *GlobalContext
	json bool
}

// NewInfoCommand creates the info command
func NewInfoCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &InfoCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "info <device|uuid|label|mount-point>",
		Short: "Show volume details and identifiers",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().BoolVarP(&cmd.json, "json", "j", false, "JSON output")

	return cobraCmd
}

// Run executes the info command
func (c *InfoCommand) Run(cmd *cobra.Command, args []string) error {
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

	info := describe(cmd.Context(), v)
	identifiers := make(map[string]string)
	for _, kind := range v.EnumerateIdentifiers() {
		if id, ok := v.Identifier(kind); ok {
			identifiers[kind] = id
		}
	}

	out := cmd.OutOrStdout()
	if c.json {
		return ui.WriteJSON(out, struct {
			volumeInfo
			Identifiers map[string]string `json:"identifiers"`
		}{info, identifiers})
	}

	printInfo(out, info)
	fmt.Fprintln(out, "  Identifiers:")
	for _, kind := range v.EnumerateIdentifiers() {
		if id, ok := identifiers[kind]; ok {
			fmt.Fprintf(out, "    %s: %s\n", kind, id)
		}
	}
	return nil
}
