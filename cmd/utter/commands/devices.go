package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"utter/internal/crypto"
	"utter/internal/domain"
)

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List your devices connected to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd, 30*time.Second)
			defer cancel()
			sess, err := connect(ctx, domain.RoleInitiator, noHandlers())
			if err != nil {
				return explain(err)
			}
			defer sess.Close()

			list, err := sess.Devices(ctx)
			if err != nil {
				return explain(err)
			}
			if len(list) == 0 {
				fmt.Println("No devices online.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DEVICE\tNAME\tROLE\tSTATUS\tFINGERPRINT")
			for _, d := range list {
				fp := "-"
				if pub, err := domain.ParseX25519Public(d.PublicKey); err == nil {
					fp = string(crypto.Fingerprint(pub))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.DeviceID, d.DeviceName, d.Role, d.Status, fp)
			}
			return tw.Flush()
		},
	}
}
