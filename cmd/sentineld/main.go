// Command sentineld is the control-plane daemon for the reference
// instrument: it owns the serial link to each peripheral, the operator
// rotary console, the parameter store, and the event log, and drives them
// through the coordinator's lifecycle state machine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"vitalink.io/config"
	"vitalink.io/coordinator"
	"vitalink.io/device"
	"vitalink.io/display"
	"vitalink.io/eventlog"
	"vitalink.io/fault"
	"vitalink.io/input"
	"vitalink.io/params"
	"vitalink.io/protocol"
	"vitalink.io/rpc"
	"vitalink.io/storage"
)

// Exit codes per the operator-facing contract.
const (
	exitOK                 = 0
	exitConfigInvalid      = 2
	exitDeviceUnavailable  = 3
	exitStorageUnavailable = 4
)

func main() {
	storageRoot := flag.String("storage", "/var/lib/sentineld", "persistent storage root")
	panelDev := flag.String("panel", "", "display device path (empty selects a discard writer)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	code := run(*storageRoot, *panelDev, log)
	os.Exit(code)
}

func run(storageRoot, panelDev string, log *logrus.Logger) int {
	layout, err := storage.Mount(storageRoot)
	if err != nil {
		log.WithError(err).Error("sentineld: storage unavailable")
		return exitStorageUnavailable
	}

	cfg, err := config.Load(layout.ConfigPath())
	if err != nil {
		log.WithError(err).Error("sentineld: config invalid")
		return exitConfigInvalid
	}

	monitor := fault.New()
	mux := rpc.New(serialDialer(cfg), monitor, log, cfg.CRCEnabled)
	store := params.New()
	logger := eventlog.New(layout.Root, cfg.StorageQuotaBytes, monitor, log)
	defer logger.Stop()

	disp := openDisplay(panelDev, monitor)

	inputEvents := make(chan input.Event, 16)

	sys := coordinator.New(cfg, layout, log, store, monitor, mux, logger, disp, inputEvents, protocol.LysisProtocol())

	// Wire every long-lived background task into the coordinator's
	// heartbeat supervisor: each publishes a heartbeat on every loop
	// iteration, and the per-device readers (restartable) register a
	// restart function; the logger and input poller have none, so a
	// detected stall escalates straight to Error.
	mux.SetHeartbeat(cfg.HeartbeatInterval, func(d device.Device) { sys.Beat("rpc." + d.String()) })
	for _, d := range device.All {
		dev := d
		sys.Supervise("rpc."+dev.String(), func() error { return mux.Restart(dev) })
	}

	logger.SetHeartbeat(func() { sys.Beat("eventlog.logger") })
	sys.Supervise("eventlog.logger", nil)

	if err := input.Open(input.DefaultPins(), inputEvents, func() { sys.Beat("input.poller") }, cfg.HeartbeatInterval); err != nil {
		log.WithError(err).Warn("sentineld: operator console unavailable, falling back to headless")
	} else {
		sys.Supervise("input.poller", nil)
	}

	if cfg.StorageDevice != "" {
		presence := make(chan storage.PresenceEvent, 4)
		if err := storage.WatchPresence(cfg.StorageDevice, &layout, presence); err != nil {
			log.WithError(err).Warn("sentineld: removable-storage presence watch unavailable")
		} else {
			go watchStoragePresence(presence, monitor, log)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if reloaded, err := config.Load(layout.ConfigPath()); err != nil {
					log.WithError(err).Warn("sentineld: reload failed, keeping prior config")
				} else if err := sys.Reload(reloaded); err != nil {
					log.WithError(err).Warn("sentineld: reload rejected")
				}
			case syscall.SIGINT, syscall.SIGTERM:
				cancel()
				return
			}
		}
	}()

	if err := sys.Boot(ctx); err != nil {
		log.WithError(err).Error("sentineld: boot failed")
		if errors.Is(err, coordinator.ErrConfigRejected) {
			return exitConfigInvalid
		}
		return exitDeviceUnavailable
	}

	sys.Run(ctx)
	return exitOK
}

// serialDialer opens the configured USB-serial port for each Device.
func serialDialer(cfg config.Config) rpc.Dialer {
	ports := map[device.Device]config.SerialPort{
		device.PowerSupply: cfg.PowerSupply,
		device.PulseGen:    cfg.PulseGen,
		device.Pump:        cfg.Pump,
	}
	return func(d device.Device) (io.ReadWriteCloser, error) {
		p, ok := ports[d]
		if !ok {
			return nil, fmt.Errorf("sentineld: no serial port configured for %s", d)
		}
		sc := &serial.Config{Name: p.Path, Baud: p.Baud}
		return serial.OpenPort(sc)
	}
}

// watchStoragePresence relays presence transitions for the configured
// removable-storage device: a disappearance becomes a StorageMissing fault
// so an unplugged card is detected rather than surfacing as the next
// failed write, and a return is logged (the event logger's own reopen
// retry picks the media back up).
func watchStoragePresence(ch <-chan storage.PresenceEvent, monitor *fault.Monitor, log *logrus.Logger) {
	for ev := range ch {
		if ev.Present {
			log.WithField("device", ev.Device).Info("sentineld: removable storage available")
			continue
		}
		monitor.Notify(fault.Fault{Kind: fault.StorageMissing, Message: fmt.Sprintf("%s removed", ev.Device), Origin: "storage"})
	}
}

func openDisplay(dev string, monitor *fault.Monitor) display.Writer {
	if dev == "" {
		return display.Discard{}
	}
	f, err := os.OpenFile(dev, os.O_WRONLY, 0)
	if err != nil {
		return display.Discard{}
	}
	return display.NewLineWriter(f, monitor)
}
