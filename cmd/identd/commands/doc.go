// Package commands defines the identd CLI.
//
// Commands
//
//   - run    Start the identity server and block until interrupted
//   - key    Print the server signing key
//
// The root command loads the configuration file and applies flag overrides
// before any subcommand runs.
package commands
