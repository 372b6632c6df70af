package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <characteristic> <payload>",
	Short: "Write a characteristic value",
	Long: `Writes a payload to a characteristic addressed by name or UUID and waits
for the device to acknowledge it.

The write mode (explicit payload or legacy staged value) follows write_mode
in the config file.

Examples:
  blectf write AA:BB:CC:DD:EE:FF name Tom
  blectf write AA:BB:CC:DD:EE:FF 8c380002-10bd-4fdb-ba21-1922d6cf860d 546f6d --hex`,
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeHex         bool
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if the characteristic UUID is ambiguous)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Payload is hex encoded")
}

func runWrite(cmd *cobra.Command, args []string) error {
	payload, err := parsePayload(args[2], writeHex)
	if err != nil {
		return err
	}

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

	t, err := resolveTarget(services, args[1], writeServiceUUID)
	if err != nil {
		return err
	}

	wctx, wcancel := context.WithTimeout(ctx, env.cfg.OperationTimeout)
	defer wcancel()
	if err := sess.WriteAndWait(wctx, t.service, t.char, payload); err != nil {
		return fmt.Errorf("failed to write %s: %w", t, err)
	}

	p := newPrinter(cmd)
	fmt.Fprintf(p.w, "%s wrote %d bytes to %s (%s write)\n",
		p.ok.Sprint("OK"), len(payload), t, sess.Capabilities().WriteMode())
	return nil
}
