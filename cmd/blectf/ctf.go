package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/gatt"
	"github.com/srg/blectf/pkg/ctf"
	"github.com/srg/blectf/scanner"
)

// ctfCmd represents the ctf command
var ctfCmd = &cobra.Command{
	Use:   "ctf [device-address]",
	Short: "Run the Capture The Flag flow against a device",
	Long: `Connects to a CTF peripheral and walks through the exercise:

  1. connect and discover services
  2. read flag 1
  3. write the name characteristic
  4. enable flag 2 notifications and wait for the flag
  5. disable notifications and disconnect

Without an address the first device advertising the CTF service is used.
The resulting state is printed as text or, with --json, as JSON.

Examples:
  blectf ctf
  blectf ctf AA:BB:CC:DD:EE:FF --name Alice --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCTF,
}

var (
	ctfJSON     bool
	ctfName     string
	ctfDuration time.Duration
	ctfActivity bool
)

func init() {
	ctfCmd.Flags().BoolVar(&ctfJSON, "json", false, "Output the final state as JSON")
	ctfCmd.Flags().StringVar(&ctfName, "name", "", "Name payload (default name_payload from the config)")
	ctfCmd.Flags().DurationVarP(&ctfDuration, "duration", "d", 0, "How long to wait for flag 2 (default notify_duration from the config)")
	ctfCmd.Flags().BoolVar(&ctfActivity, "activity", false, "Also print the request log")
}

func runCTF(cmd *cobra.Command, args []string) error {
	env, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	scanOpts := scanner.DefaultScanOptions()
	if env.cfg.ServiceFilter {
		scanOpts.ServiceUUIDs = []string{bledb.MustUUID(bledb.CTFService)}
	}
	s := scanner.NewScanner(env.adapter.source, env.logger, scanOpts)
	defer s.Close()

	name := ctfName
	if name == "" {
		name = env.cfg.NamePayload
	}
	client, err := ctf.NewClient(env.adapter.transport, s, &ctf.Options{
		Logger:          env.logger,
		NamePayload:     name,
		StreamBuffer:    env.cfg.StreamBuffer,
		ActivityHistory: uint32(env.cfg.ActivityHistory),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	steps := printerFor(cmd, cmd.ErrOrStderr())

	var peer device.RemoteDevice
	if len(args) == 1 {
		peer = device.RemoteDevice{Address: args[0]}
	} else {
		if peer, err = findDevice(ctx, client, env.cfg.ScanTimeout); err != nil {
			return err
		}
		fmt.Fprintf(steps.w, "Found %s\n", peer.DisplayName())
	}
	if err := client.SetActiveDevice(&peer); err != nil {
		return err
	}

	wait := ctfDuration
	if wait <= 0 {
		wait = env.cfg.NotifyDuration
	}
	flow := &ctfFlow{client: client, steps: steps, opTimeout: env.cfg.OperationTimeout, flag2Wait: wait}
	flowErr := flow.run(ctx)

	p := newPrinter(cmd)
	state := client.State()
	if ctfJSON {
		out := struct {
			ctf.UIState
			Activity []ctf.Activity `json:"activity,omitempty"`
		}{UIState: state}
		if ctfActivity {
			out.Activity = client.Activity()
		}
		if err := p.JSON(out); err != nil {
			return err
		}
	} else {
		if err := displayState(p, state); err != nil {
			return err
		}
		if ctfActivity {
			if err := displayActivity(p, client.Activity()); err != nil {
				return err
			}
		}
	}
	return flowErr
}

// findDevice scans until the first device shows up.
func findDevice(ctx context.Context, client *ctf.Client, timeout time.Duration) (device.RemoteDevice, error) {
	states := client.States()
	defer states.Close()

	if err := client.StartScanning(ctx); err != nil {
		return device.RemoteDevice{}, err
	}
	defer client.StopScanning()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case st, ok := <-states.C():
			if !ok {
				return device.RemoteDevice{}, ctf.ErrClientClosed
			}
			if len(st.FoundDevices) > 0 {
				return st.FoundDevices[0], nil
			}
		case <-timer.C:
			return device.RemoteDevice{}, ErrNoDeviceFound
		case <-ctx.Done():
			return device.RemoteDevice{}, ctx.Err()
		}
	}
}

// ctfFlow runs the exercise steps on the client's active device.
type ctfFlow struct {
	client    *ctf.Client
	steps     *printer
	opTimeout time.Duration
	flag2Wait time.Duration
}

func (f *ctfFlow) run(ctx context.Context) error {
	sess := f.client.Session()
	if sess == nil {
		return ctf.ErrNoActiveDevice
	}
	err := f.exercise(ctx, sess)
	f.disconnect()
	return err
}

func (f *ctfFlow) exercise(ctx context.Context, sess *gatt.Session) error {
	if err := f.step("connect", func() error {
		if _, err := sess.Call(ctx, func() (gatt.RequestID, error) { return f.client.Connect(ctx) }); err != nil {
			return err
		}
		_, err := awaitState(ctx, f.client, func(s ctf.UIState) bool { return s.IsDeviceConnected })
		return err
	}); err != nil {
		return err
	}

	if err := f.call(ctx, sess, "discover services", f.client.DiscoverServices, func(s ctf.UIState) bool {
		return len(s.Services) > 0
	}); err != nil {
		return err
	}

	if err := f.call(ctx, sess, "read flag 1", f.client.ReadFlag1, func(s ctf.UIState) bool {
		return s.Flag1 != nil
	}); err != nil {
		return err
	}

	written := f.client.State().NameWrittenTimes
	if err := f.call(ctx, sess, "write name", f.client.WriteName, func(s ctf.UIState) bool {
		return s.NameWrittenTimes > written
	}); err != nil {
		return err
	}

	if err := f.call(ctx, sess, "enable flag 2 notifications", f.client.StartNotifyFlag2, nil); err != nil {
		return err
	}

	if err := f.step("wait for flag 2", func() error {
		var wctx context.Context
		var cancel context.CancelFunc
		if f.flag2Wait > 0 {
			wctx, cancel = context.WithTimeout(ctx, f.flag2Wait)
		} else {
			wctx, cancel = context.WithCancel(ctx)
		}
		defer cancel()
		st, err := awaitState(wctx, f.client, func(s ctf.UIState) bool {
			return s.Flag2Value != nil || !s.IsDeviceConnected
		})
		if err != nil {
			return err
		}
		if st.Flag2Value == nil {
			return device.ErrLinkLost
		}
		return nil
	}); err != nil {
		return err
	}

	return f.call(ctx, sess, "disable flag 2 notifications", f.client.StopNotifyFlag2, nil)
}

// disconnect drops the link and waits until the UIState shows it.
func (f *ctfFlow) disconnect() {
	if err := f.client.Disconnect(); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.opTimeout)
	defer cancel()
	_, _ = awaitState(ctx, f.client, func(s ctf.UIState) bool { return !s.IsDeviceConnected })
}

// call issues one client command, waits for its completion and then for
// the UIState to reflect it.
func (f *ctfFlow) call(ctx context.Context, sess *gatt.Session, label string, issue func() (gatt.RequestID, error), reflected func(ctf.UIState) bool) error {
	return f.step(label, func() error {
		cctx, cancel := context.WithTimeout(ctx, f.opTimeout)
		defer cancel()
		if _, err := sess.Call(cctx, issue); err != nil {
			var oerr *device.OperationError
			if errors.As(err, &oerr) {
				// let the rejection reach the UIState and the activity log
				_, _ = awaitState(cctx, f.client, func(s ctf.UIState) bool { return s.LastError == err.Error() })
			}
			return err
		}
		if reflected == nil {
			return nil
		}
		_, err := awaitState(cctx, f.client, reflected)
		return err
	})
}

func (f *ctfFlow) step(label string, fn func() error) error {
	err := fn()
	if err != nil {
		fmt.Fprintf(f.steps.w, "%s %s: %s\n", f.steps.fail.Sprint("FAIL"), label, FormatUserError(err))
		return err
	}
	fmt.Fprintf(f.steps.w, "%s %s\n", f.steps.ok.Sprint("OK  "), label)
	return nil
}

// awaitState blocks until done accepts a snapshot.
func awaitState(ctx context.Context, client *ctf.Client, done func(ctf.UIState) bool) (ctf.UIState, error) {
	states := client.States()
	defer states.Close()
	for {
		select {
		case st, ok := <-states.C():
			if !ok {
				return client.State(), ctf.ErrClientClosed
			}
			if done(st) {
				return st, nil
			}
		case <-ctx.Done():
			return client.State(), ctx.Err()
		}
	}
}

func displayState(p *printer, s ctf.UIState) error {
	dev := "-"
	if s.ActiveDevice != nil {
		dev = s.ActiveDevice.DisplayName()
		if s.ActiveDevice.Name != "" {
			dev += " (" + s.ActiveDevice.Address + ")"
		}
	}
	p.Field("Device", dev)
	p.Field("Connection", s.ConnectionState.String())
	p.Field("Flag 1", p.value.Sprint(optional(s.Flag1)))
	p.Field("Name written", strconv.Itoa(s.NameWrittenTimes))
	p.Field("Flag 2", p.value.Sprint(optional(s.Flag2Value)))
	if s.LastError != "" {
		p.Field("Last error", p.fail.Sprint(s.LastError))
	}

	if len(s.Services) == 0 {
		return nil
	}
	fmt.Fprintln(p.w, p.label.Sprint("Services:"))
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	for _, svc := range s.Services {
		fmt.Fprintf(tw, "  %s\t%s\n", svc.UUID, p.dim.Sprint(svc.Name))
		for _, c := range svc.Characteristics {
			fmt.Fprintf(tw, "    %s\t%s\n", c, p.dim.Sprint(attributeName(c, bledb.LookupCharacteristic)))
		}
	}
	return tw.Flush()
}

func displayActivity(p *printer, records []ctf.Activity) error {
	fmt.Fprintln(p.w, p.label.Sprint("Activity:"))
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	for _, a := range records {
		status := p.ok.Sprint("ok")
		if !a.OK {
			status = p.fail.Sprint(a.Error)
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\n", a.ID, a.Op, attributeName(a.Characteristic, bledb.LookupCharacteristic), status)
	}
	return tw.Flush()
}

func optional(s *string) string {
	if s == nil {
		return "-"
	}
	return strconv.Quote(*s)
}
