package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"utter/internal/crypto"
)

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Show or forget pinned device keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <device>",
		Short: "Print the key pinned for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, ok, err := wire.Trust.Pinned(args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("%s: no key pinned\n", args[0])
				return nil
			}
			fmt.Printf("%s: %s\n", args[0], crypto.Fingerprint(pub))
			return nil
		},
	}, &cobra.Command{
		Use:   "forget <device>",
		Short: "Drop the key pinned for a device; the next key seen is trusted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wire.Trust.Forget(args[0]); err != nil {
				return err
			}
			fmt.Printf("%s: forgotten\n", args[0])
			return nil
		},
	})
	return cmd
}
