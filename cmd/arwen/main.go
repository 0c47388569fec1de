// Command arwen inspects and rewrites Mach-O and ELF binaries: rpaths,
// linked-library names, interpreter paths, ad-hoc code signing, and the
// other edits in the macho and elf packages, one cobra subcommand per
// operation.
package main

import (
	"fmt"
	"os"

	"github.com/nichmor/arwen-go/arwenerr"
	"github.com/nichmor/arwen-go/cmd/arwen/elfcmd"
	"github.com/nichmor/arwen-go/cmd/arwen/machocmd"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "arwen",
		Short:         "Patch Mach-O and ELF binaries without relinking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(machocmd.New())
	root.AddCommand(elfcmd.New())

	if err := root.Execute(); err != nil {
		for _, line := range arwenerr.Chain(err) {
			fmt.Fprintln(os.Stderr, line)
		}
		os.Exit(1)
	}
}
