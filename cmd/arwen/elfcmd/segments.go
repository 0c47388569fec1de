package elfcmd

import (
	"strconv"

	"github.com/nichmor/arwen-go/elf"
	"github.com/nichmor/arwen-go/elf/types"
	"github.com/spf13/cobra"
)

func setInterpreterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-interpreter NEW_INTERP PATH",
		Short: "Rewrite the PT_INTERP dynamic-loader path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, args[1], func(c *elf.Container) error { return c.SetInterpreter(args[0]) })
		},
	}
	outputFlag(cmd)
	return cmd
}

func printInterpreterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-interpreter PATH",
		Short: "Print the PT_INTERP dynamic-loader path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(args[0], func(c *elf.Container) string { return c.Interpreter() })
		},
	}
}

func setOSABICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-os-abi NAME PATH",
		Short: "Rewrite EI_OSABI (e.g. linux, freebsd, none)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, args[1], func(c *elf.Container) error { return c.SetOSABI(args[0]) })
		},
	}
	outputFlag(cmd)
	return cmd
}

func printOSABICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-os-abi PATH",
		Short: "Print EI_OSABI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(args[0], func(c *elf.Container) string { return c.Header.OSABI.String() })
		},
	}
}

func setSonameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-soname NAME PATH",
		Short: "Set (or create) the DT_SONAME entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, args[1], func(c *elf.Container) error { return c.SetSoname(args[0]) })
		},
	}
	outputFlag(cmd)
	return cmd
}

func printSonameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-soname PATH",
		Short: "Print the DT_SONAME entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(args[0], func(c *elf.Container) string {
				for _, e := range c.Dynamic {
					if e.Tag == types.DT_SONAME {
						return e.Str
					}
				}
				return ""
			})
		},
	}
}

func noDefaultLibCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "no-default-lib PATH",
		Short: "Set DF_1_NODEFLIB so the loader ignores default search paths",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, args[0], func(c *elf.Container) error { return c.NoDefaultLib() })
		},
	}
	outputFlag(cmd)
	return cmd
}

func addDebugTagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-debug-tag PATH",
		Short: "Insert a DT_DEBUG entry if one isn't already present",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, args[0], func(c *elf.Container) error { return c.AddDynamicDebug() })
		},
	}
	outputFlag(cmd)
	return cmd
}

func clearSymbolVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-symbol-version SYM PATH",
		Short: "Clear a dynamic symbol's .gnu.version entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, args[1], func(c *elf.Container) error { return c.ClearSymbolVersion(args[0]) })
		},
	}
	outputFlag(cmd)
	return cmd
}

func setExecStackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-exec-stack PATH",
		Short: "Mark the stack executable (sets PT_GNU_STACK's PF_X)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, args[0], func(c *elf.Container) error { return c.SetExecStack() })
		},
	}
	outputFlag(cmd)
	return cmd
}

func clearExecStackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-exec-stack PATH",
		Short: "Mark the stack non-executable (clears PT_GNU_STACK's PF_X)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, args[0], func(c *elf.Container) error { return c.ClearExecStack() })
		},
	}
	outputFlag(cmd)
	return cmd
}

func printExecStackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-exec-stack PATH",
		Short: "Print whether the stack is marked executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(args[0], func(c *elf.Container) string {
				for _, s := range c.Segments {
					if s.Type == types.PT_GNU_STACK {
						if s.Flags&types.PF_X != 0 {
							return "executable"
						}
						return "non-executable"
					}
				}
				return "non-executable (no PT_GNU_STACK segment)"
			})
		},
	}
}

func setPageSizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-page-size BYTES PATH",
		Short: "Rewrite every PT_LOAD segment's alignment (BYTES may be \"auto\" for the host's page size)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pageSize := elf.DefaultPageSize()
			if args[0] != "auto" {
				v, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return err
				}
				pageSize = v
			}
			return mutate(cmd, args[1], func(c *elf.Container) error { return c.SetPageSize(pageSize) })
		},
	}
	outputFlag(cmd)
	return cmd
}

func renameDynamicSymbolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rename-dynamic-symbols KEY=VALUE... PATH",
		Short: "Rename dynamic symbols (OLD=NEW pairs)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[len(args)-1]
			renames, err := parseKeyValues(args[:len(args)-1])
			if err != nil {
				return err
			}
			return mutate(cmd, path, func(c *elf.Container) error { return c.RenameDynamicSymbols(renames) })
		},
	}
	outputFlag(cmd)
	return cmd
}
