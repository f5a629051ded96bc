package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"utter/internal/app"
	"utter/internal/client"
	"utter/internal/domain"
)

// Version is reported to the relay at registration.
var Version = "dev"

var (
	home       string
	passphrase string
	relayURL   string
	deviceID   string
	deviceName string
	role       string
	verbose    bool

	wire *app.Wire
	log  = logrus.New()
)

func Execute() error {
	root := &cobra.Command{
		Use:           "utter",
		Short:         "Send end-to-end encrypted text between your devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.SetOutput(os.Stderr)
			log.SetLevel(logrus.WarnLevel)
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".utter")
			}
			if deviceID == "" {
				host, err := os.Hostname()
				if err != nil {
					return err
				}
				deviceID = strings.ToLower(host)
			}
			w, err := app.NewWire(app.ClientConfig{
				Home:       home,
				RelayURL:   relayURL,
				Passphrase: passphrase,
				Logger:     log,
			})
			if err != nil {
				return err
			}
			wire = w
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&home, "home", "", "config dir (default ~/.utter)")
	pf.StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the device key")
	pf.StringVar(&relayURL, "relay", "http://127.0.0.1:8080", "relay base URL")
	pf.StringVar(&deviceID, "device-id", "", "this device's id (default hostname)")
	pf.StringVar(&deviceName, "device-name", "", "human-readable device name (default device id)")
	pf.StringVar(&role, "role", "", "device role: initiator or target")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(initCmd(), fingerprintCmd(), loginCmd(), logoutCmd(),
		devicesCmd(), sendCmd(), listenCmd(), trustCmd(), statusCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := root.ExecuteContext(ctx)
	if err != nil {
		root.PrintErrln("error:", err)
	}
	return err
}

// device describes this endpoint, using fallback when --role is unset.
func device(fallback domain.Role) (client.Device, error) {
	r := domain.Role(role)
	if role == "" {
		r = fallback
	}
	return wire.Device(deviceID, deviceName, r, Version)
}

// connect registers this endpoint with the relay for a one-shot command.
func connect(ctx context.Context, fallback domain.Role, h client.Handlers) (*client.Session, error) {
	dev, err := device(fallback)
	if err != nil {
		return nil, err
	}
	return wire.Connect(ctx, dev, h)
}

func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

// explain adds a hint for errors a user can act on.
func explain(err error) error {
	switch {
	case errors.Is(err, domain.ErrAuthentication):
		return errors.New(err.Error() + " (run `utter login` again)")
	case errors.Is(err, domain.ErrRouting):
		return errors.New(err.Error() + " (is the device running `utter listen`?)")
	}
	return err
}
