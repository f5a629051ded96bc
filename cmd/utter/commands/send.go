package commands

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"utter/internal/client"
	"utter/internal/domain"
	"utter/internal/store"
)

func sendCmd() *cobra.Command {
	var retrust bool
	cmd := &cobra.Command{
		Use:   "send <device> <message>",
		Short: "Encrypt and send a message to one of your devices",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, text := args[0], strings.Join(args[1:], " ")
			ctx, cancel := commandContext(cmd, 30*time.Second)
			defer cancel()

			sess, err := connect(ctx, domain.RoleInitiator, noHandlers())
			if err != nil {
				return explain(err)
			}
			defer sess.Close()

			at, err := sess.Send(ctx, to, text, retrust)
			switch {
			case errors.Is(err, store.ErrKeyChanged):
				return fmt.Errorf("%w: verify the device's fingerprint, then resend with --retrust", err)
			case errors.Is(err, client.ErrNoPublicKey):
				return fmt.Errorf("%s registered without a public key; run `utter init` there and reconnect", to)
			case err != nil:
				return explain(err)
			}
			fmt.Printf("sent to %s at %s\n", to, at.Local().Format(time.TimeOnly))
			return nil
		},
	}
	cmd.Flags().BoolVar(&retrust, "retrust", false, "accept a changed key for the target device")
	return cmd
}

func noHandlers() client.Handlers {
	return client.Handlers{
		OnReject: func(from string, err error) {
			log.WithError(err).WithField("from", from).Warn("message rejected")
		},
	}
}
