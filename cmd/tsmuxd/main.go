/*
DESCRIPTION
  tsmuxd is a netsender client that feeds elementary streams through the TS/RTP
  packetizer and forwards the output, with behaviour controllable via the
  cloud or a local variables file.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>
  Alan Noble <alan@ausocean.org>
  Dan Kortschak <dan@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package tsmuxd is a netsender client for the packetizer streamer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ausocean/client/pi/netlogger"
	"github.com/ausocean/client/pi/netsender"
	"github.com/ausocean/tsmux/device/tsmux"
	"github.com/ausocean/tsmux/device/tsmux/sim"
	"github.com/ausocean/tsmux/streamer"
	"github.com/ausocean/tsmux/streamer/config"
	"github.com/ausocean/utils/logging"
)

// Current software version.
const version = "v0.1.0"

// Logging configuration.
const (
	logPath      = "/var/log/netsender/tsmuxd.log"
	logMaxSize   = 500 // MB
	logMaxBackup = 10
	logMaxAge    = 28 // days
	logVerbosity = logging.Info
	logSuppress  = true
)

// Streamer modes.
const (
	modeNormal    = "Normal"
	modePaused    = "Paused"
	modeCompleted = "Completed"
)

// Misc constants.
const (
	netSendRetryTime = 5 * time.Second
	defaultSleepTime = 60 // Seconds
	shutdownTimeout  = 5 * time.Second
	pkg              = "tsmuxd: "
)

// Software defined pin values.
const bitratePin = "X36"

func main() {
	showVersion := flag.Bool("version", false, "show version")
	varsPath := flag.String("vars", "", "file of key=value variables to use instead of netsender")
	metricsAddr := flag.String("metrics", ":9100", "address to serve prometheus metrics on, empty to disable")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Create lumberjack logger to handle logging to file.
	fileLog := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    logMaxSize,
		MaxBackups: logMaxBackup,
		MaxAge:     logMaxAge,
	}

	// Create netlogger to handle logging to cloud.
	netLog := netlogger.New()

	// Create logger that we call methods on to log, which in turn writes to the
	// lumberjack and netloggers.
	log := logging.New(logVerbosity, io.MultiWriter(fileLog, netLog), logSuppress)

	log.Info("starting tsmuxd", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := &daemonState{log: log, metrics: tsmux.NewMetrics(), reset: make(chan struct{}, 1)}
	err := d.setup(config.Config{Logger: log})
	if err != nil {
		log.Fatal(pkg+"could not set up packetizer", "error", err.Error())
	}

	g, ctx := errgroup.WithContext(ctx)

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:    *metricsAddr,
			Handler: promhttp.HandlerFor(d.metrics.Registry(), promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			log.Info("serving metrics", "addr", *metricsAddr)
			err := srv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error { return d.watchResets(ctx) })
	g.Go(func() error { return keepalive(ctx, log) })

	if *varsPath != "" {
		g.Go(func() error { return runFile(ctx, d, *varsPath) })
	} else {
		log.Debug("initialising netsender client")
		ns, err := netsender.New(
			log,
			nil,
			readPin(d),
			nil,
			netsender.WithVarTypes(createVarMap()),
		)
		if err != nil {
			log.Fatal(pkg+"could not initialise netsender client", "error", err.Error())
		}
		g.Go(func() error { return runNetsender(ctx, d, ns, netLog) })
	}

	_, err = daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warning(pkg+"could not notify systemd", "error", err.Error())
	}

	err = g.Wait()
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	d.streamer.Stop()
	if err != nil {
		log.Error(pkg+"exiting with error", "error", err.Error())
		os.Exit(1)
	}
	log.Info("tsmuxd stopped")
}

// daemonState holds the packetizer and streamer driven by the control loop.
type daemonState struct {
	log      logging.Logger
	metrics  *tsmux.Metrics
	dev      *tsmux.Device
	streamer *streamer.Streamer

	// mu serialises reconfiguration and reset recovery.
	mu sync.Mutex

	// reset is signalled when the packetizer watchdog gives up on a job.
	reset chan struct{}
}

// setup creates the simulated packetizer hardware, the device driving it and
// a streamer configured by c. The device's watchdog takes its interval and
// threshold from c.
func (d *daemonState) setup(c config.Config) error {
	err := c.Validate()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	mem := sim.NewMemory()
	hw, err := sim.New(mem)
	if err != nil {
		return fmt.Errorf("could not create hardware: %w", err)
	}

	dev, err := tsmux.New(hw, mem, d.log,
		tsmux.WithMetrics(d.metrics),
		tsmux.WithFatalHandler(d.fatal),
		tsmux.WithWatchdogInterval(c.WatchdogInterval),
		tsmux.WithWatchdogThreshold(int(c.WatchdogThreshold)),
	)
	if err != nil {
		return fmt.Errorf("could not create device: %w", err)
	}
	hw.SetInterruptHandler(dev.HandleCompletion)
	d.log.Info("packetizer ready", "version", fmt.Sprintf("%#08x", dev.HWVersion()))

	st, err := streamer.New(c, dev, mem, hw)
	if err != nil {
		return fmt.Errorf("could not create streamer: %w", err)
	}
	d.dev, d.streamer = dev, st
	return nil
}

// fatal is called by the device when the watchdog escalates.
func (d *daemonState) fatal(err error) {
	d.log.Error(pkg+"packetizer needs reset", "error", err.Error())
	select {
	case d.reset <- struct{}{}:
	default:
	}
}

// watchResets restarts the streamer, and so its packetizer session, after the
// watchdog escalates.
func (d *daemonState) watchResets(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.reset:
		}
		d.mu.Lock()
		if d.streamer.Running() {
			d.log.Info("restarting streamer after packetizer reset")
			d.streamer.Stop()
			err := d.streamer.Start()
			if err != nil {
				d.log.Error(pkg+"could not restart streamer", "error", err.Error())
			}
		}
		d.mu.Unlock()
	}
}

// apply updates the streamer with vars and starts or stops it according to
// mode.
func (d *daemonState) apply(vars map[string]string, mode string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	l := d.log
	if d.streamer.Running() {
		l.Debug("streamer running; stopping for re-config")
		d.streamer.Stop()
	}

	l.Debug("updating streamer's configuration")
	prev := d.streamer.Config()
	err := d.streamer.Update(vars)
	if err != nil {
		return fmt.Errorf("couldn't update streamer: %w", err)
	}
	c := d.streamer.Config()
	if c.WatchdogInterval != prev.WatchdogInterval || c.WatchdogThreshold != prev.WatchdogThreshold {
		l.Info("watchdog settings changed, recreating packetizer", "interval", c.WatchdogInterval, "threshold", c.WatchdogThreshold)
		err = d.setup(c)
		if err != nil {
			return fmt.Errorf("could not recreate packetizer: %w", err)
		}
	}
	l.Info("streamer successfully reconfigured")

	l.Debug("checking mode")
	switch mode {
	case modePaused, modeCompleted:
		l.Debug("mode is Paused or Completed, leaving streamer stopped")
	case modeNormal:
		l.Debug("mode is Normal, starting streamer")
		err = d.streamer.Start()
		if err != nil {
			return fmt.Errorf("could not start streamer: %w", err)
		}
	default:
		l.Warning(pkg+"unknown mode", "mode", mode)
	}
	l.Info("streamer updated with new mode", "mode", mode)
	return nil
}

// runNetsender starts the netsender loop. This will run netsender on every
// pass of the loop (sleeping inbetween), check vars, and if changed, update
// the streamer as appropriate.
func runNetsender(ctx context.Context, d *daemonState, ns *netsender.Sender, nl *netlogger.Logger) error {
	l := d.log
	var vs int
	for {
		if ctx.Err() != nil {
			return nil
		}

		l.Debug("running netsender")
		err := ns.Run()
		if err != nil {
			l.Warning(pkg+"Run Failed. Retrying...", "error", err.Error())
			wait(ctx, netSendRetryTime)
			continue
		}

		l.Debug("sending logs")
		err = nl.Send(ns)
		if err != nil {
			l.Warning(pkg+"Logs could not be sent", "error", err.Error())
		}

		l.Debug("checking varsum")
		newVs := ns.VarSum()
		if vs == newVs {
			wait(ctx, sleepTime(ns, l))
			continue
		}
		vs = newVs
		l.Info("varsum changed", "vs", vs)

		l.Debug("getting new vars")
		vars, err := ns.Vars()
		if err != nil {
			l.Error(pkg+"netSender failed to get vars", "error", err.Error())
			wait(ctx, netSendRetryTime)
			continue
		}
		l.Debug("got new vars", "vars", vars)

		err = d.apply(vars, ns.Mode())
		if err != nil {
			l.Error(pkg+"could not apply vars", "error", err.Error())
			ns.SetMode(modePaused, new(int))
		}
		wait(ctx, sleepTime(ns, l))
	}
}

func createVarMap() map[string]string {
	m := make(map[string]string)
	for _, v := range config.Variables {
		m[v.Name] = v.Type
	}
	return m
}

// sleepTime returns the monitoring period netsender parameter (mp) defined
// in the netsender.conf config.
func sleepTime(ns *netsender.Sender, l logging.Logger) time.Duration {
	t, err := strconv.Atoi(ns.Param("mp"))
	if err != nil {
		l.Error(pkg+"could not get sleep time, using default", "error", err)
		t = defaultSleepTime
	}
	return time.Duration(t) * time.Second
}

// wait sleeps for dur or until ctx is done.
func wait(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// keepalive pings the systemd watchdog, if enabled, until ctx is done.
func keepalive(ctx context.Context, l logging.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		l.Warning(pkg+"could not check systemd watchdog", "error", err.Error())
		return nil
	}
	if interval == 0 {
		return nil
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// readPin provides a callback function of consistent signature for use by
// netsender to retrieve software defined pin values e.g. streamer bitrate.
func readPin(d *daemonState) func(pin *netsender.Pin) error {
	return func(pin *netsender.Pin) error {
		switch pin.Name {
		case bitratePin:
			pin.Value = d.bitrate()
		}
		return nil
	}
}

// bitrate returns the current streamer's output bitrate, or -1 if there is
// no streamer.
func (d *daemonState) bitrate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streamer == nil {
		return -1
	}
	return d.streamer.Bitrate()
}
