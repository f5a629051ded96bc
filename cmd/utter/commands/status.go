package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the relay and the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd, 10*time.Second)
			defer cancel()

			if err := wire.Tokens.Health(ctx); err != nil {
				fmt.Printf("relay %s: unreachable (%v)\n", wire.RelayURL, err)
			} else {
				fmt.Printf("relay %s: ok\n", wire.RelayURL)
			}

			sess, ok, err := wire.Sessions.LoadSession()
			switch {
			case err != nil:
				return err
			case !ok:
				fmt.Println("session: not logged in")
			case time.Now().After(sess.ExpiresAt):
				fmt.Printf("session: %s, expired %s\n", sess.Subject, sess.ExpiresAt.Local().Format(time.RFC1123))
			default:
				fmt.Printf("session: %s, valid until %s\n", sess.Subject, sess.ExpiresAt.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
}
