// Package ctf drives the Capture The Flag exercise: it owns at most one
// active GATT session, merges its streams and the scanner's into a single
// UIState and offers the flag commands of the exercise.
package ctf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/gatt"
	"github.com/srg/blectf/internal/groutine"
	"github.com/srg/blectf/internal/stream"
	"github.com/srg/blectf/scanner"
)

var (
	ErrNoActiveDevice = errors.New("no active device")
	ErrNoScanner      = errors.New("scanning is not available")
	ErrClientClosed   = errors.New("ctf client closed")
)

// DefaultNamePayload is written by WriteName when Options leaves it empty.
const DefaultNamePayload = "Tom"

// Options configures a Client.
type Options struct {
	Logger          *logrus.Logger
	NamePayload     string
	StreamBuffer    int
	ActivityHistory uint32
}

// Client aggregates the scanner and the active session into UIState.
type Client struct {
	transport gatt.Transport
	scanner   *scanner.Scanner
	logger    *logrus.Logger
	opts      Options

	mu        sync.Mutex
	closed    bool
	session   *gatt.Session
	watchStop context.CancelFunc
	watchDone chan struct{}

	// request IDs of name writes still awaiting completion
	writesMu   sync.Mutex
	nameWrites map[gatt.RequestID]struct{}

	state    *stream.Value[UIState]
	activity *stream.History[Activity]

	scanStop context.CancelFunc
	scanDone chan struct{}
}

// NewClient creates a client. scan may be nil when only direct connections are used.
func NewClient(transport gatt.Transport, scan *scanner.Scanner, opts *Options) (*Client, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.NamePayload == "" {
		o.NamePayload = DefaultNamePayload
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = stream.DefaultCapacity
	}
	if o.ActivityHistory == 0 {
		o.ActivityHistory = 128
	}

	history, err := stream.NewHistory[Activity](o.ActivityHistory)
	if err != nil {
		return nil, fmt.Errorf("activity history: %w", err)
	}

	c := &Client{
		transport:  transport,
		scanner:    scan,
		logger:     o.Logger,
		opts:       o,
		nameWrites: make(map[gatt.RequestID]struct{}),
		state:      stream.NewValue(UIState{}, o.StreamBuffer),
		activity:   history,
	}
	if scan != nil {
		c.watchScanner()
	}
	return c, nil
}

// State returns the current snapshot.
func (c *Client) State() UIState { return c.state.Get() }

// States subscribes to UIState; the current snapshot is delivered first.
func (c *Client) States() *stream.Subscription[UIState] { return c.state.Subscribe() }

// Session returns the active session, or nil.
func (c *Client) Session() *gatt.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Activity returns the completed requests, oldest first.
func (c *Client) Activity() []Activity {
	recs, err := c.activity.Snapshot()
	if err != nil {
		c.logger.WithField("error", err).Warn("Failed to read activity history")
	}
	return recs
}

// StartScanning starts the scanner.
func (c *Client) StartScanning(ctx context.Context) error {
	if c.scanner == nil {
		return ErrNoScanner
	}
	return c.scanner.Start(ctx)
}

// StopScanning stops the scanner. It is idempotent.
func (c *Client) StopScanning() {
	if c.scanner != nil {
		c.scanner.Stop()
	}
}

// SetActiveDevice makes dev the active device, closing the previous session.
// A nil dev only clears the active device.
func (c *Client) SetActiveDevice(dev *device.RemoteDevice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}

	c.dropSessionLocked()

	if dev == nil {
		c.state.Update(func(s UIState) UIState { return s.withoutSession() })
		return nil
	}

	peer := *dev
	sess := gatt.NewSession(peer, c.transport, &gatt.Options{Logger: c.logger, StreamBuffer: c.opts.StreamBuffer})
	c.session = sess
	c.state.Update(func(s UIState) UIState {
		next := s.withoutSession()
		next.ActiveDevice = &peer
		return next
	})
	c.watchSession(sess)

	c.logger.WithFields(logrus.Fields{
		"address": peer.Address,
		"device":  peer.DisplayName(),
	}).Info("Active device changed")
	return nil
}

// dropSessionLocked stops watching and closes the active session.
func (c *Client) dropSessionLocked() {
	if c.session == nil {
		return
	}
	sess := c.session
	c.session = nil

	c.watchStop()
	<-c.watchDone
	if err := sess.Close(); err != nil {
		c.logger.WithField("error", err).Warn("Failed to close previous session")
	}

	c.writesMu.Lock()
	c.nameWrites = make(map[gatt.RequestID]struct{})
	c.writesMu.Unlock()
}

func (c *Client) active() (*gatt.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.session == nil {
		return nil, ErrNoActiveDevice
	}
	return c.session, nil
}

// Connect connects the active device.
func (c *Client) Connect(ctx context.Context) (gatt.RequestID, error) {
	sess, err := c.active()
	if err != nil {
		return 0, c.rejected(err)
	}
	id, err := sess.Connect(ctx)
	return id, c.rejected(err)
}

// Disconnect disconnects the active device, if any.
func (c *Client) Disconnect() error {
	sess, err := c.active()
	if err != nil {
		if errors.Is(err, ErrNoActiveDevice) {
			return nil
		}
		return err
	}
	return sess.Disconnect()
}

// DiscoverServices runs service discovery on the active device.
func (c *Client) DiscoverServices() (gatt.RequestID, error) {
	sess, err := c.active()
	if err != nil {
		return 0, c.rejected(err)
	}
	id, err := sess.DiscoverServices()
	return id, c.rejected(err)
}

// ReadCharacteristic reads a registered characteristic.
func (c *Client) ReadCharacteristic(name bledb.Name) (gatt.RequestID, error) {
	sess, svc, char, err := c.resolve(name)
	if err != nil {
		return 0, c.rejected(err)
	}
	id, err := sess.ReadCharacteristic(svc, char)
	return id, c.rejected(err)
}

// WriteCharacteristic writes payload to a registered characteristic.
// Successful writes to the name characteristic are counted in UIState.
func (c *Client) WriteCharacteristic(name bledb.Name, payload []byte) (gatt.RequestID, error) {
	sess, svc, char, err := c.resolve(name)
	if err != nil {
		return 0, c.rejected(err)
	}

	// held across the call so the completion cannot be seen before the ID is recorded
	c.writesMu.Lock()
	defer c.writesMu.Unlock()
	id, err := sess.WriteCharacteristic(svc, char, payload)
	if err != nil {
		return 0, c.rejected(err)
	}
	if name == bledb.NameChar {
		c.nameWrites[id] = struct{}{}
	}
	return id, nil
}

// SetNotification enables or disables notifications of a registered characteristic.
func (c *Client) SetNotification(name bledb.Name, enabled bool) (gatt.RequestID, error) {
	sess, svc, char, err := c.resolve(name)
	if err != nil {
		return 0, c.rejected(err)
	}
	id, err := sess.SetNotification(svc, char, enabled)
	return id, c.rejected(err)
}

// ReadFlag1 reads the first flag.
func (c *Client) ReadFlag1() (gatt.RequestID, error) {
	return c.ReadCharacteristic(bledb.Flag1)
}

// WriteName writes the configured name payload.
func (c *Client) WriteName() (gatt.RequestID, error) {
	return c.WriteCharacteristic(bledb.NameChar, []byte(c.opts.NamePayload))
}

// StartNotifyFlag2 subscribes to the second flag.
func (c *Client) StartNotifyFlag2() (gatt.RequestID, error) {
	return c.SetNotification(bledb.Flag2, true)
}

// StopNotifyFlag2 unsubscribes from the second flag.
func (c *Client) StopNotifyFlag2() (gatt.RequestID, error) {
	return c.SetNotification(bledb.Flag2, false)
}

// Close stops scanning, closes the active session and ends the UIState stream.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.dropSessionLocked()
	c.mu.Unlock()

	if c.scanner != nil {
		c.scanner.Stop()
		c.scanStop()
		<-c.scanDone
	}
	c.state.Close()
	return nil
}

func (c *Client) resolve(name bledb.Name) (*gatt.Session, string, string, error) {
	sess, err := c.active()
	if err != nil {
		return nil, "", "", err
	}
	svcName, ok := bledb.ServiceOf(name)
	if !ok {
		return nil, "", "", fmt.Errorf("%q is not a characteristic", name)
	}
	return sess, bledb.MustUUID(svcName), bledb.MustUUID(name), nil
}

// rejected surfaces a pre-flight rejection as the last error.
func (c *Client) rejected(err error) error {
	if err == nil {
		return nil
	}
	c.state.Update(func(s UIState) UIState {
		s.LastError = err.Error()
		return s
	})
	return err
}

func (c *Client) watchScanner() {
	ctx, cancel := context.WithCancel(context.Background())
	c.scanStop = cancel
	c.scanDone = make(chan struct{})

	found := c.scanner.Found().Subscribe()
	scanning := c.scanner.Scanning().Subscribe()

	groutine.Go(ctx, "ctf-scanner-watch", func(ctx context.Context) {
		defer close(c.scanDone)
		defer found.Close()
		defer scanning.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case devices, ok := <-found.C():
				if !ok {
					return
				}
				c.state.Update(func(s UIState) UIState {
					s.FoundDevices = devices
					return s
				})
			case on, ok := <-scanning.C():
				if !ok {
					return
				}
				c.state.Update(func(s UIState) UIState {
					s.IsScanning = on
					return s
				})
			}
		}
	})
}

func (c *Client) watchSession(sess *gatt.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.watchStop = cancel
	c.watchDone = done

	states := sess.StateStream()
	services := sess.ServicesStream()
	values := sess.Values()
	results := sess.Results()

	groutine.Go(ctx, "ctf-session-watch", func(ctx context.Context) {
		defer close(done)
		defer states.Close()
		defer services.Close()
		defer values.Close()
		defer results.Close()

		flag1 := bledb.NormalizeUUID(bledb.MustUUID(bledb.Flag1))
		flag2 := bledb.NormalizeUUID(bledb.MustUUID(bledb.Flag2))

		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-states.C():
				if !ok {
					return
				}
				if st == gatt.Disconnected {
					c.dropAbandonedWrites(sess, results)
				}
				c.state.Update(func(s UIState) UIState {
					s.ConnectionState = st
					s.IsDeviceConnected = st == gatt.Connected
					return s
				})
			case table, ok := <-services.C():
				if !ok {
					return
				}
				entries := serviceEntries(table)
				c.state.Update(func(s UIState) UIState {
					s.Services = entries
					return s
				})
			case u, ok := <-values.C():
				if !ok {
					return
				}
				char := bledb.NormalizeUUID(u.Characteristic)
				if char != flag1 && char != flag2 {
					continue
				}
				c.state.Update(func(s UIState) UIState {
					if char == flag1 {
						s.Flag1 = stringPtr(u.Value)
					} else {
						s.Flag2Value = stringPtr(u.Value)
					}
					return s
				})
			case r, ok := <-results.C():
				if !ok {
					return
				}
				c.completed(sess, r)
			}
		}
	})
}

// dropAbandonedWrites forgets name writes that will never complete. Results
// published before the drop to Disconnected are already queued, so they are
// handled first. A session that has since reconnected may own newer writes and
// is left alone.
func (c *Client) dropAbandonedWrites(sess *gatt.Session, results *stream.Subscription[gatt.Result]) {
	for drained := false; !drained; {
		select {
		case r, ok := <-results.C():
			if !ok {
				return
			}
			c.completed(sess, r)
		default:
			drained = true
		}
	}

	c.writesMu.Lock()
	defer c.writesMu.Unlock()
	if sess.State() != gatt.Disconnected || len(c.nameWrites) == 0 {
		return
	}
	c.logger.WithField("abandoned", len(c.nameWrites)).Debug("Dropping name writes abandoned by disconnect")
	c.nameWrites = make(map[gatt.RequestID]struct{})
}

// PendingNameWrites returns how many name writes still await completion.
func (c *Client) PendingNameWrites() int {
	c.writesMu.Lock()
	defer c.writesMu.Unlock()
	return len(c.nameWrites)
}

func (c *Client) completed(sess *gatt.Session, r gatt.Result) {
	nameWrite := false
	if r.Op == gatt.OpWrite {
		c.writesMu.Lock()
		if _, ok := c.nameWrites[r.ID]; ok {
			delete(c.nameWrites, r.ID)
			nameWrite = true
		}
		c.writesMu.Unlock()
	}

	rec := Activity{
		Time:           time.Now(),
		Device:         sess.Device().Address,
		Op:             r.Op,
		Characteristic: r.Characteristic,
		OK:             r.OK(),
		ID:             r.ID,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	if err := c.activity.Record(rec); err != nil {
		c.logger.WithField("error", err).Warn("Failed to record activity")
	}

	c.state.Update(func(s UIState) UIState {
		if r.Err != nil {
			s.LastError = r.Err.Error()
			return s
		}
		s.LastError = ""
		if nameWrite {
			s.NameWrittenTimes++
		}
		return s
	})

	c.logger.WithFields(logrus.Fields{
		"op":             r.Op,
		"id":             r.ID,
		"characteristic": r.Characteristic,
		"ok":             r.OK(),
	}).Debug("Request completed")
}
