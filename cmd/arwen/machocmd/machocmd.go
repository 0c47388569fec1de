// Package machocmd wires the macho package's operations up as cobra
// subcommands under "arwen macho".
package machocmd

import (
	"os"

	"github.com/nichmor/arwen-go/internal/atomicfile"
	"github.com/nichmor/arwen-go/macho"
	"github.com/spf13/cobra"
)

// New builds the "macho" command group.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "macho",
		Short: "Edit Mach-O load commands and ad-hoc sign binaries",
	}
	cmd.AddCommand(
		addRpathCmd(),
		changeRpathCmd(),
		deleteRpathCmd(),
		changeInstallIDCmd(),
		changeInstallNameCmd(),
		adhocSignCmd(),
	)
	return cmd
}

func outputFlag(cmd *cobra.Command) *string {
	return cmd.Flags().StringP("output", "o", "", "output path (default: overwrite PATH)")
}

func resolveOutput(output, path string) string {
	if output == "" {
		return path
	}
	return output
}

func parseFile(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return macho.Parse(data)
}

func writeBytes(data []byte, output, path string) error {
	return atomicfile.Write(resolveOutput(output, path), data)
}
