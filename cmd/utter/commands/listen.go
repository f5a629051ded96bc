package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"utter/internal/client"
	"utter/internal/domain"
)

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Stay connected and print every message received",
		Long: "Stay connected to the relay as a target device and print every\n" +
			"decrypted message. Reconnects with backoff and renews the session\n" +
			"token as needed. Stop with Ctrl-C.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := device(domain.RoleTarget)
			if err != nil {
				return err
			}
			handlers := noHandlers()
			handlers.OnText = func(m domain.ReceivedText) {
				fmt.Printf("[%s] %s: %s\n", time.Now().Format(time.TimeOnly), m.From, m.Plaintext)
			}
			sup, err := wire.Supervisor(dev, handlers, func(s client.State) {
				log.WithField("state", s.String()).Info("connection state")
				if s == client.StateConnected {
					fmt.Printf("listening as %s\n", dev.ID)
				}
			})
			if err != nil {
				return err
			}
			err = sup.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return explain(err)
		},
	}
}
