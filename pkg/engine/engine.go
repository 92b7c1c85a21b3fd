package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mazdakn/uswitch/pkg/config"
	"github.com/mazdakn/uswitch/pkg/conntrack"
	"github.com/mazdakn/uswitch/pkg/packet"
	"github.com/mazdakn/uswitch/pkg/timer"
	"github.com/mazdakn/uswitch/pkg/tun"
	"github.com/sirupsen/logrus"
)

const (
	readTimeout   = time.Second
	statsInterval = time.Minute
)

type Engine struct {
	conf    *config.Config
	loop    *Loop
	ct      *conntrack.Conntrack
	sw      *Switch
	tcp     *tcpListener
	udp     *udpListener
	devices []NetIO
}

func New(conf *config.Config) *Engine {
	e := newEngine(conf, MonotonicClock())
	e.devices = append(e.devices, newUDPServer(conf.Address))
	if conf.Tun != nil {
		e.devices = append(e.devices, tun.New(
			tun.WithName(conf.Tun.Name),
			tun.WithMTU(conf.Tun.MTU),
			tun.WithAddress(conf.Tun.Address),
		))
	}
	return e
}

func newEngine(conf *config.Config, clock Clock) *Engine {
	timers := timer.New[timer.Task](clock())
	ct := conntrack.New(timers, conntrack.WithIdleTimeouts(conf.TCPIdleTimeout, conf.UDPIdleTimeout))
	sw := NewSwitch(ct)
	return &Engine{
		conf: conf,
		loop: NewLoop(clock, timers, sw.Handle, conf.MaxBufferSize),
		ct:   ct,
		sw:   sw,
		tcp:  newTCPListener(),
		udp:  newUDPListener(),
	}
}

// Run blocks until SIGINT or SIGTERM.
func (e *Engine) Run() error {
	logrus.Info("Starting the engine")
	ctx, cancelFunc := setupSignals(context.Background())
	defer cancelFunc()
	return e.run(ctx)
}

func (e *Engine) run(ctx context.Context) error {
	defer e.cleanup()

	err := e.listen()
	if err != nil {
		return err
	}
	e.loop.RunOnLoop(e.reportStats)

	devices := e.startDevices()
	if len(devices) == 0 {
		return fmt.Errorf("no packet source could be started")
	}
	var wg sync.WaitGroup
	for _, dev := range devices {
		wg.Add(1)
		go e.handleDevice(ctx, dev, &wg)
	}
	logrus.Info("Started the engine")

	err = e.loop.Run(ctx)
	wg.Wait()
	return err
}

// listen registers the configured listeners from the loop goroutine.
func (e *Engine) listen() error {
	tcpAddrs, err := e.conf.TCPListenAddrs()
	if err != nil {
		return err
	}
	udpAddrs, err := e.conf.UDPListenAddrs()
	if err != nil {
		return err
	}
	e.loop.RunOnLoop(func() {
		for _, addr := range tcpAddrs {
			l := e.ct.ListenTCP(addr, e.tcp)
			logrus.Infof("Listening on %v", l.Key)
		}
		for _, addr := range udpAddrs {
			l, err := e.ct.ListenUDP(addr, e.udp)
			if err != nil {
				logrus.WithError(err).Errorf("Failed to listen on udp %v", addr)
				continue
			}
			logrus.Infof("Listening on %v", l.Key)
		}
	})
	return nil
}

func (e *Engine) reportStats() {
	logrus.WithFields(logrus.Fields{
		"tcpListen": e.ct.CountTCPListen(),
		"udpListen": e.ct.CountUDPListen(),
		"tcp":       e.ct.CountTCP(),
		"udp":       e.ct.CountUDP(),
		"dropped":   e.sw.Dropped(),
		"timers":    e.loop.Timers().Len(),
	}).Info("Conntrack stats")
	_, err := e.loop.Delay(statsInterval, e.reportStats)
	if err != nil {
		logrus.WithError(err).Error("Failed to schedule stats report")
	}
}

func (e *Engine) startDevices() []NetIO {
	var started []NetIO
	for _, dev := range e.devices {
		err := dev.Start()
		if err != nil {
			logrus.WithError(err).Warnf("failed to start device %v", dev.Name())
			continue
		}
		logrus.Infof("Successfully started %v", dev.Name())
		started = append(started, dev)
	}
	return started
}

func (e *Engine) cleanup() {
	for _, dev := range e.devices {
		err := dev.Stop()
		if err != nil {
			logrus.WithError(err).Errorf("Failed cleaning up %v", dev.Name())
		}
	}
	// The loop has returned, so this goroutine owns the tables now.
	e.ct.Destroy()
}

// handleDevice reads packets from dev and hands them to the loop.
func (e *Engine) handleDevice(ctx context.Context, dev NetIO, wg *sync.WaitGroup) {
	defer wg.Done()
	name := dev.Name()
	logrus.Infof("Started goroutine reading from %v", name)
	var pkt *packet.Packet
	for {
		select {
		case <-ctx.Done():
			logrus.Infof("Stopped goroutine reading from %v", name)
			return
		default:
		}
		if pkt == nil {
			pkt = e.loop.Packet()
		}
		pkt.Reset()
		num, err := dev.Read(pkt, time.Now().Add(readTimeout))
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
				logrus.Infof("Device %v closed", name)
				return
			}
			var nerr net.Error
			if !errors.As(err, &nerr) || !nerr.Timeout() {
				logrus.WithError(err).Errorf("failure in reading from %v", name)
			}
			continue
		}
		// Nothing recived.
		if num == 0 {
			continue
		}

		err = pkt.Parse(num)
		if err != nil {
			logrus.WithError(err).Debugf("Failed to parse packet from %v", name)
			continue
		}
		logrus.Debugf("Packet from %v: %v", name, pkt)
		if e.loop.Ingress(ctx, pkt) != nil {
			continue
		}
		pkt = nil
	}
}
