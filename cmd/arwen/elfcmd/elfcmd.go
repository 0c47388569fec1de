// Package elfcmd wires the elf package's operations up as cobra
// subcommands under "arwen elf".
package elfcmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/nichmor/arwen-go/elf"
	"github.com/nichmor/arwen-go/internal/atomicfile"
	"github.com/spf13/cobra"
)

// New builds the "elf" command group.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "elf",
		Short: "Edit ELF dynamic-section entries, segments, and symbols",
	}
	cmd.AddCommand(
		addRpathCmd(), removeRpathCmd(), setRpathCmd(), forceRpathCmd(), printRpathCmd(), shrinkRpathCmd(),
		addNeededCmd(), removeNeededCmd(), replaceNeededCmd(), printNeededCmd(),
		setInterpreterCmd(), printInterpreterCmd(),
		setOSABICmd(), printOSABICmd(),
		setSonameCmd(), printSonameCmd(),
		noDefaultLibCmd(), addDebugTagCmd(), clearSymbolVersionCmd(),
		setExecStackCmd(), clearExecStackCmd(), printExecStackCmd(),
		setPageSizeCmd(),
		renameDynamicSymbolsCmd(),
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

func parseFile(path string) (*elf.Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return elf.Parse(data)
}

// mutate parses path, applies edit, and writes the result back (to
// output if given, else in place).
func mutate(cmd *cobra.Command, path string, edit func(*elf.Container) error) error {
	output, _ := cmd.Flags().GetString("output")
	c, err := parseFile(path)
	if err != nil {
		return err
	}
	if err := edit(c); err != nil {
		return err
	}
	out, err := c.Bytes()
	if err != nil {
		return err
	}
	return atomicfile.Write(resolveOutput(output, path), out)
}

// inspect parses path and prints the string print returns.
func inspect(path string, print func(*elf.Container) string) error {
	c, err := parseFile(path)
	if err != nil {
		return err
	}
	fmt.Println(print(c))
	return nil
}

func parseKeyValues(args []string) (map[string]string, error) {
	out := map[string]string{}
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("arwen: malformed KEY=VALUE argument %q", a)
		}
		out[k] = v
	}
	return out, nil
}
