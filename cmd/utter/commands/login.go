package commands

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func loginCmd() *cobra.Command {
	var assertion string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange an identity-provider ID token for a relay session",
		Long: "Exchange an identity-provider ID token for a relay session.\n\n" +
			"Pass the token with --assertion or on standard input.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if assertion == "" {
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("identity assertion required (--assertion or stdin)")
				}
				assertion = strings.TrimSpace(line)
			}
			ctx, cancel := commandContext(cmd, 30*time.Second)
			defer cancel()
			sess, err := wire.Login(ctx, assertion)
			if err != nil {
				return err
			}
			fmt.Printf("Logged in as %s (session valid until %s)\n", sess.Subject, sess.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().StringVar(&assertion, "assertion", "", "identity-provider ID token")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored relay session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wire.Sessions.ClearSession(); err != nil {
				return err
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
}
