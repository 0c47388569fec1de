package machocmd

import (
	"fmt"

	"github.com/nichmor/arwen-go/macho"
	"github.com/spf13/cobra"
)

func addRpathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-rpath NEW_RPATH PATH",
		Short: "Add an LC_RPATH load command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyRpath(cmd, args[1], func(c *macho.Container) error { return c.AddRpath(args[0]) }, func(c *macho.FatContainer) error { return c.AddRpath(args[0]) })
		},
	}
	outputFlag(cmd)
	return cmd
}

func changeRpathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "change-rpath OLD NEW PATH",
		Short: "Rewrite an existing LC_RPATH's path",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyRpath(cmd, args[2], func(c *macho.Container) error { return c.ChangeRpath(args[0], args[1]) }, func(c *macho.FatContainer) error { return c.ChangeRpath(args[0], args[1]) })
		},
	}
	outputFlag(cmd)
	return cmd
}

func deleteRpathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-rpath OLD PATH",
		Short: "Remove an LC_RPATH load command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyRpath(cmd, args[1], func(c *macho.Container) error { return c.RemoveRpath(args[0]) }, func(c *macho.FatContainer) error { return c.RemoveRpath(args[0]) })
		},
	}
	outputFlag(cmd)
	return cmd
}

func changeInstallIDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "change-install-id NEW_ID PATH",
		Short: "Rewrite a dylib's LC_ID_DYLIB install name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyRpath(cmd, args[1], func(c *macho.Container) error { return c.ChangeInstallID(args[0]) }, func(c *macho.FatContainer) error { return c.ChangeInstallID(args[0]) })
		},
	}
	outputFlag(cmd)
	return cmd
}

func changeInstallNameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "change-install-name OLD NEW PATH",
		Short: "Rewrite a linked dylib's LC_LOAD_DYLIB name",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyRpath(cmd, args[2], func(c *macho.Container) error { return c.ChangeInstallName(args[0], args[1]) }, func(c *macho.FatContainer) error { return c.ChangeInstallName(args[0], args[1]) })
		},
	}
	outputFlag(cmd)
	return cmd
}

// applyRpath parses path, applies thinFn/fatFn depending on whether the
// file is a thin or fat Mach-O, and writes the result back.
func applyRpath(cmd *cobra.Command, path string, thinFn func(*macho.Container) error, fatFn func(*macho.FatContainer) error) error {
	output, _ := cmd.Flags().GetString("output")
	parsed, err := parseFile(path)
	if err != nil {
		return err
	}
	switch c := parsed.(type) {
	case *macho.Container:
		if err := thinFn(c); err != nil {
			return err
		}
		return writeBytes(c.Bytes(), output, path)
	case *macho.FatContainer:
		if err := fatFn(c); err != nil {
			return err
		}
		// Any size-changing edit leaves eachSlice's in-place splice with
		// a stale fat_arch table; Rebuild recomputes it.
		return writeBytes(c.Rebuild(), output, path)
	default:
		return fmt.Errorf("arwen: unrecognized Mach-O container type %T", parsed)
	}
}
