package elfcmd

import (
	"strings"

	"github.com/nichmor/arwen-go/elf"
	"github.com/nichmor/arwen-go/elf/types"
	"github.com/spf13/cobra"
)

func addRpathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-rpath NEW_RPATH PATH",
		Short: "Append a directory to DT_RUNPATH (or DT_RPATH)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, args[1], func(c *elf.Container) error { return c.AddRunpath(args[0]) })
		},
	}
	outputFlag(cmd)
	return cmd
}

func removeRpathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-rpath PATH",
		Short: "Delete the DT_RUNPATH/DT_RPATH entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, args[0], func(c *elf.Container) error { return c.RemoveRunpath() })
		},
	}
	outputFlag(cmd)
	return cmd
}

func setRpathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-rpath NEW_RPATH PATH",
		Short: "Replace the entire DT_RUNPATH/DT_RPATH value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, args[1], func(c *elf.Container) error { return c.SetRunpath(args[0]) })
		},
	}
	outputFlag(cmd)
	return cmd
}

func forceRpathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "force-rpath PATH",
		Short: "Retag DT_RUNPATH as DT_RPATH (legacy search order)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, args[0], func(c *elf.Container) error { return c.UseRpath() })
		},
	}
	outputFlag(cmd)
	return cmd
}

func printRpathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-rpath PATH",
		Short: "Print the DT_RUNPATH/DT_RPATH value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(args[0], func(c *elf.Container) string {
				for _, e := range c.Dynamic {
					if e.Tag == types.DT_RUNPATH || e.Tag == types.DT_RPATH {
						return e.Str
					}
				}
				return ""
			})
		},
	}
}

func shrinkRpathCmd() *cobra.Command {
	var allowed string
	cmd := &cobra.Command{
		Use:   "shrink-rpath PATH",
		Short: "Drop absolute runpath directories outside the allowed prefixes or holding none of the DT_NEEDED libraries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prefixes []string
			if allowed != "" {
				prefixes = strings.Split(allowed, ":")
			}
			return mutate(cmd, args[0], func(c *elf.Container) error { return c.ShrinkRunpath(prefixes) })
		},
	}
	cmd.Flags().StringVar(&allowed, "allowed-prefixes", "", "':'-separated list of allowed path prefixes")
	outputFlag(cmd)
	return cmd
}
