package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"utter/internal/crypto"
)

func initCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate the device key pair and store it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reset {
				if err := wire.Keys.Reset(); err != nil {
					return err
				}
			}
			kp, created, err := wire.Keys.LoadOrCreate(passphrase)
			if err != nil {
				return err
			}
			if created {
				fmt.Println("Device key created.")
			} else {
				fmt.Println("Device key already exists (use --reset to replace it).")
			}
			fmt.Printf("Fingerprint: %s\n", crypto.Fingerprint(kp.Public))
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "discard the existing key pair first")
	return cmd
}
