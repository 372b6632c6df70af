package main

import (
	"github.com/spf13/cobra"
)

// servicesCmd represents the services command
var servicesCmd = &cobra.Command{
	Use:   "services <device-address>",
	Short: "Discover GATT services and characteristics",
	Long: `Connects to a device, discovers its GATT table and prints every service
with its characteristics in discovery order.

Examples:
  blectf services AA:BB:CC:DD:EE:FF
  blectf services AA:BB:CC:DD:EE:FF --json`,
	Args: cobra.ExactArgs(1),
	RunE: runServices,
}

var servicesJSON bool

func init() {
	servicesCmd.Flags().BoolVar(&servicesJSON, "json", false, "Output as JSON")
}

func runServices(cmd *cobra.Command, args []string) error {
	env, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	sess, services, err := openSession(ctx, env, args[0])
	if err != nil {
		return err
	}
	defer sess.Close()

	p := newPrinter(cmd)
	if servicesJSON {
		return p.JSON(services)
	}
	return p.Services(services)
}
