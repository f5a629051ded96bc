// Package commands defines the utter endpoint CLI.
//
// Commands
//
//   - init         Create the device key pair (--reset replaces it)
//   - fingerprint  Print the device key fingerprint
//   - login        Exchange an identity assertion for a relay session
//   - logout       Forget the stored session
//   - devices      List your devices connected to the relay
//   - send         Encrypt and send a message to one of your devices
//   - listen       Stay connected and print every message received
//   - trust        Show or forget pinned device keys
//   - status       Check the relay and the stored session
//
// The root command builds an app.Wire (key, session and trust stores plus
// the relay token client) from the persistent flags before any subcommand
// runs.
package commands
