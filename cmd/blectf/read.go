package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <characteristic>",
	Short: "Read a characteristic value",
	Long: `Reads a characteristic addressed by name (flag1, name, flag2) or UUID.

Printable values are shown as quoted text, anything else as hex.

Examples:
  blectf read AA:BB:CC:DD:EE:FF flag1
  blectf read AA:BB:CC:DD:EE:FF 2a00 --service 1800 --hex`,
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readHex         bool
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if the characteristic UUID is ambiguous)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Always output as hex")
}

func runRead(cmd *cobra.Command, args []string) error {
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

	t, err := resolveTarget(services, args[1], readServiceUUID)
	if err != nil {
		return err
	}

	rctx, rcancel := context.WithTimeout(ctx, env.cfg.OperationTimeout)
	defer rcancel()
	value, err := sess.ReadAndWait(rctx, t.service, t.char)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", t, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), formatValue(value, readHex))
	return nil
}
