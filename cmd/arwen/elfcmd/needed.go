package elfcmd

import (
	"strings"

	"github.com/nichmor/arwen-go/elf"
	"github.com/nichmor/arwen-go/elf/types"
	"github.com/spf13/cobra"
)

func addNeededCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-needed NAME... PATH",
		Short: "Add one or more DT_NEEDED entries",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[len(args)-1]
			names := args[:len(args)-1]
			return mutate(cmd, path, func(c *elf.Container) error { return c.AddNeeded(names) })
		},
	}
	outputFlag(cmd)
	return cmd
}

func removeNeededCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-needed NAME... PATH",
		Short: "Remove one or more DT_NEEDED entries",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[len(args)-1]
			names := args[:len(args)-1]
			return mutate(cmd, path, func(c *elf.Container) error { return c.RemoveNeeded(names) })
		},
	}
	outputFlag(cmd)
	return cmd
}

func replaceNeededCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replace-needed KEY=VALUE... PATH",
		Short: "Rename DT_NEEDED entries (OLD=NEW pairs)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[len(args)-1]
			renames, err := parseKeyValues(args[:len(args)-1])
			if err != nil {
				return err
			}
			return mutate(cmd, path, func(c *elf.Container) error { return c.ReplaceNeeded(renames) })
		},
	}
	outputFlag(cmd)
	return cmd
}

func printNeededCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-needed PATH",
		Short: "Print every DT_NEEDED entry, one per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(args[0], func(c *elf.Container) string {
				var names []string
				for _, e := range c.Dynamic {
					if e.Tag == types.DT_NEEDED {
						names = append(names, e.Str)
					}
				}
				return strings.Join(names, "\n")
			})
		},
	}
}
