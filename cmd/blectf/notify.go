package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/gatt"
)

// notifyCmd represents the notify command
var notifyCmd = &cobra.Command{
	Use:   "notify <device-address> <characteristic>",
	Short: "Subscribe to characteristic notifications",
	Long: `Enables notifications on a characteristic and prints every value the
device sends until the duration elapses, --count values arrived or Ctrl+C
is pressed. Notifications are disabled again before exiting.

Examples:
  blectf notify AA:BB:CC:DD:EE:FF flag2
  blectf notify AA:BB:CC:DD:EE:FF flag2 --count 1 --duration 10s`,
	Args: cobra.ExactArgs(2),
	RunE: runNotify,
}

var (
	notifyServiceUUID string
	notifyHex         bool
	notifyDuration    time.Duration
	notifyCount       int
)

func init() {
	notifyCmd.Flags().StringVar(&notifyServiceUUID, "service", "", "Service UUID (required if the characteristic UUID is ambiguous)")
	notifyCmd.Flags().BoolVar(&notifyHex, "hex", false, "Always output as hex")
	notifyCmd.Flags().DurationVarP(&notifyDuration, "duration", "d", 0, "How long to listen (default notify_duration from the config)")
	notifyCmd.Flags().IntVarP(&notifyCount, "count", "n", 0, "Stop after this many values (0 for no limit)")
}

func runNotify(cmd *cobra.Command, args []string) error {
	if notifyCount < 0 {
		return fmt.Errorf("invalid count %d: must be >= 0", notifyCount)
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

	t, err := resolveTarget(services, args[1], notifyServiceUUID)
	if err != nil {
		return err
	}

	values := sess.Values()
	defer values.Close()

	sctx, scancel := context.WithTimeout(ctx, env.cfg.OperationTimeout)
	defer scancel()
	if err := sess.SetNotificationAndWait(sctx, t.service, t.char, true); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", t, err)
	}

	duration := notifyDuration
	if duration <= 0 {
		duration = env.cfg.NotifyDuration
	}
	received, listenErr := listen(ctx, cmd, sess, values.C(), t, duration)

	if sess.State() == gatt.Connected {
		uctx, ucancel := context.WithTimeout(context.Background(), env.cfg.OperationTimeout)
		defer ucancel()
		if err := sess.SetNotificationAndWait(uctx, t.service, t.char, false); err != nil {
			env.logger.WithError(err).Warn("Failed to disable notifications")
		}
	}

	if listenErr != nil {
		return listenErr
	}
	if notifyCount > 0 && received == 0 {
		return ErrNoValue
	}
	return nil
}

// listen prints notifications for t until the window closes. It returns the
// number of values printed.
func listen(ctx context.Context, cmd *cobra.Command, sess *gatt.Session, values <-chan gatt.ValueUpdate, t target, duration time.Duration) (int, error) {
	p := newPrinter(cmd)
	key := device.CharKey(t.service, t.char)

	states := sess.StateStream()
	defer states.Close()

	// zero listens until the count is reached or ctx ends
	var window <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		window = timer.C
	}

	received := 0
	for {
		select {
		case v, ok := <-values:
			if !ok {
				return received, gatt.ErrClosed
			}
			if v.Source != gatt.SourceNotification || device.CharKey(v.Service, v.Characteristic) != key {
				continue
			}
			received++
			fmt.Fprintf(p.w, "%s %s\n", p.dim.Sprint(time.Now().Format("15:04:05.000")), p.value.Sprint(formatValue(v.Value, notifyHex)))
			if notifyCount > 0 && received >= notifyCount {
				return received, nil
			}
		case st, ok := <-states.C():
			if ok && st != gatt.Disconnected {
				continue
			}
			return received, device.ErrLinkLost
		case <-window:
			return received, nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return received, nil
			}
			return received, ctx.Err()
		}
	}
}
