package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"utter/internal/crypto"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the device key fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, ok, err := wire.Keys.Load(passphrase)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("no device key: run `utter init` first")
			}
			fmt.Printf("Public key:  %s\nFingerprint: %s\n", kp.Public, crypto.Fingerprint(kp.Public))
			return nil
		},
	}
}
