package devices

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/echopi/echopi-go/cmd/internal/cmdutil"
	"github.com/echopi/echopi-go/internal/audiocore/sources/malgo"
)

// Command creates the sound card listing command.
func Command() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List sound card playback and capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			playback, capture, err := malgo.ListDevices()
			if err != nil {
				return err
			}
			if asJSON {
				return cmdutil.WriteJSON(cmd.OutOrStdout(), map[string][]malgo.DeviceInfo{
					"playback": playback,
					"capture":  capture,
				})
			}
			printDevices(cmd.OutOrStdout(), "Playback devices", playback)
			printDevices(cmd.OutOrStdout(), "Capture devices", capture)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the devices as JSON")
	return cmd
}

func printDevices(w io.Writer, title string, devices []malgo.DeviceInfo) {
	fmt.Fprintf(w, "%s:\n", title)
	if len(devices) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Fprintf(w, " %s %2d  %-40s  %s\n", marker, d.Index, d.Name, d.ID)
	}
}
