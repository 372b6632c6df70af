package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/gatt"
)

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// openSession connects to address and discovers its services. On success
// the caller owns the session and must Close it.
func openSession(ctx context.Context, env *environment, address string) (*gatt.Session, []device.ServiceDescriptor, error) {
	sess := gatt.NewSession(device.RemoteDevice{Address: address}, env.adapter.transport, &gatt.Options{
		Logger:       env.logger,
		StreamBuffer: env.cfg.StreamBuffer,
	})

	if err := sess.ConnectAndWait(ctx); err != nil {
		_ = sess.Close()
		return nil, nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, env.cfg.OperationTimeout)
	defer cancel()
	services, err := sess.DiscoverAndWait(dctx)
	if err != nil {
		_ = sess.Close()
		return nil, nil, err
	}

	env.logger.WithFields(logrus.Fields{
		"address":  address,
		"services": len(services),
	}).Debug("Session ready")
	return sess, services, nil
}

// target is a characteristic addressed on the command line.
type target struct {
	service string
	char    string
}

func (t target) String() string {
	if n, ok := bledb.LookupName(t.char); ok {
		return string(n)
	}
	return t.char
}

// resolveTarget turns a symbolic name or UUID into a characteristic present in
// services. serviceArg disambiguates UUIDs hosted by more than one service.
func resolveTarget(services []device.ServiceDescriptor, charArg, serviceArg string) (target, error) {
	char, err := bledb.ResolveUUID(charArg)
	if err != nil {
		return target{}, err
	}

	svc := ""
	switch {
	case serviceArg != "":
		if svc, err = bledb.ResolveUUID(serviceArg); err != nil {
			return target{}, err
		}
	default:
		if owner, ok := bledb.ServiceOf(bledb.Name(charArg)); ok {
			svc = bledb.MustUUID(owner)
		}
	}

	if svc != "" {
		if _, err := device.FindCharacteristic(services, svc, char); err != nil {
			return target{}, err
		}
		return target{service: svc, char: char}, nil
	}

	var hosts []string
	for _, s := range services {
		if _, ok := s.Characteristic(char); ok {
			hosts = append(hosts, s.UUID)
		}
	}
	switch len(hosts) {
	case 0:
		return target{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{char}}
	case 1:
		return target{service: hosts[0], char: char}, nil
	default:
		return target{}, fmt.Errorf("characteristic %s is present in services %s; use --service to pick one",
			char, strings.Join(hosts, ", "))
	}
}
