package machocmd

import (
	"fmt"

	"github.com/nichmor/arwen-go/macho"
	"github.com/nichmor/arwen-go/macho/codesign"
	"github.com/spf13/cobra"
)

func adhocSignCmd() *cobra.Command {
	var identifier string
	var hardenedRuntime bool
	var preserveEntitlements bool
	var linkerSigned bool

	cmd := &cobra.Command{
		Use:   "adhoc-sign PATH",
		Short: "Ad-hoc code-sign a Mach-O binary (no CMS signature blob)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			output, _ := cmd.Flags().GetString("output")

			parsed, err := parseFile(path)
			if err != nil {
				return err
			}
			c, ok := parsed.(*macho.Container)
			if !ok {
				return fmt.Errorf("arwen: adhoc-sign does not support fat Mach-O containers")
			}

			opts := codesign.Options{
				Identifier:      identifier,
				HardenedRuntime: hardenedRuntime,
				LinkerSigned:    linkerSigned,
			}
			if preserveEntitlements {
				if sig, err := c.Signature(); err == nil && sig != nil && len(sig.Entitlements) >= 8 {
					// sig.Entitlements is the whole blob; Options wants the
					// payload after its 8-byte magic/length header.
					opts.Entitlements = sig.Entitlements[8:]
				}
			}
			if err := c.Sign(opts); err != nil {
				return err
			}
			return writeBytes(c.Bytes(), output, path)
		},
	}
	cmd.Flags().StringVar(&identifier, "identifier", "", "code signing identifier (required)")
	cmd.Flags().BoolVar(&hardenedRuntime, "hardened-runtime", false, "set CS_RUNTIME")
	cmd.Flags().BoolVar(&preserveEntitlements, "preserve-entitlements", false, "carry over the existing entitlements blob, if any")
	cmd.Flags().BoolVar(&linkerSigned, "linker-signed", false, "mark the signature as linker-signed")
	cmd.MarkFlagRequired("identifier")
	outputFlag(cmd)
	return cmd
}
