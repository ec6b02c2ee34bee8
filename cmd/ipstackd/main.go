// Command ipstackd runs the netstack on a raw Ethernet interface and serves
// UDP and TCP echo, which is enough to ping it, query it and watch DHCP and
// ARP from the outside.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Kalycito-open-automation/openSAFETY-DEMO-sub000/internal/netstack"
	"golang.org/x/term"
)

// pollInterval drives Periodic; it is well below the stack's 100ms tick.
const pollInterval = 10 * time.Millisecond

// linkDriver moves frames between the stack and a network interface.
type linkDriver interface {
	netstack.FrameSender
	HardwareAddr() net.HardwareAddr
	// Run delivers received frames to ns until ctx is done.
	Run(ctx context.Context, ns *netstack.Stack) error
	Close() error
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func run() error {
	configPath := flag.String("config", "", "YAML interface configuration (default: DHCP with the interface MAC)")
	ifName := flag.String("iface", "eth0", "network interface to attach to")
	promisc := flag.Bool("promisc", false, "put the interface into promiscuous mode (needed when the configured MAC differs from the interface's)")
	pcapPath := flag.String("pcap", "", "write every frame to this pcap file")
	debugHTTP := flag.String("debug-http", "", "serve stack status as JSON on this address (e.g. 127.0.0.1:8090)")
	echoPort := flag.Uint("echo-port", 7, "UDP and TCP echo port (0 disables)")
	dbg := flag.Bool("debug", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `ipstackd - run the embedded IPv4 stack on a raw interface

USAGE:
  ipstackd [flags]

Requires CAP_NET_RAW. The host kernel keeps its own view of the interface;
give the stack an address the host does not use.

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	log := newLogger(*dbg)
	slog.SetDefault(log)

	link, err := openLink(*ifName, *promisc, log)
	if err != nil {
		return err
	}
	defer link.Close()

	var cfg netstack.Config
	if *configPath != "" {
		cfg, err = netstack.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = netstack.DefaultConfig()
		cfg.MAC = link.HardwareAddr().String()
	}

	ns, err := netstack.New(cfg, link, log)
	if err != nil {
		return err
	}
	defer ns.Close()

	if *pcapPath != "" {
		f, err := os.Create(*pcapPath)
		if err != nil {
			return fmt.Errorf("create pcap file: %w", err)
		}
		defer f.Close()
		if err := ns.OpenPacketCapture(f); err != nil {
			return fmt.Errorf("start packet capture: %w", err)
		}
	}
	if *debugHTTP != "" {
		if err := ns.EnableDebugHTTP(*debugHTTP); err != nil {
			return err
		}
		log.Info("debug status available", "url", "http://"+ns.DebugHTTPAddr()+"/status")
	}

	var echo *echoServer
	if *echoPort != 0 {
		if *echoPort > 65535 {
			return fmt.Errorf("echo port %d out of range", *echoPort)
		}
		echo, err = newEchoServer(ns, uint16(*echoPort), log)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- link.Run(ctx, ns) }()

	start := time.Now()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	prev := ns.State()
	log.Info("ipstackd: running", "iface", *ifName, "mac", ns.MAC(), "state", prev)
	for {
		select {
		case <-ctx.Done():
			log.Info("ipstackd: shutting down")
			return nil
		case err := <-errc:
			return fmt.Errorf("link %s: %w", *ifName, err)
		case <-tick.C:
		}

		ns.Periodic(time.Since(start))
		if echo != nil {
			echo.poll()
		}

		if st := ns.State(); st != prev {
			logStateChange(log, ns, prev, st)
			prev = st
		}
	}
}

func logStateChange(log *slog.Logger, ns *netstack.Stack, from, to netstack.State) {
	switch to {
	case netstack.StateReady:
		attrs := []any{"addr", ns.Addr(), "gateway", ns.Gateway()}
		if l, ok := ns.Lease(); ok {
			attrs = append(attrs, "server", l.Server, "lease", l.Duration, "dns", l.DNS, "domain", l.Domain)
		}
		log.Info("ipstackd: interface ready", attrs...)
	case netstack.StateAddrInUse:
		log.Error("ipstackd: address conflict, interface stays down", "addr", ns.Addr())
	default:
		log.Info("ipstackd: interface state", "from", from, "to", to)
	}
}

// echoServer answers UDP datagrams from a listener callback and serves TCP
// echo through the socket API.
type echoServer struct {
	ns    *netstack.Stack
	log   *slog.Logger
	l     netstack.SocketID
	conns []echoConn
	buf   []byte
}

type echoConn struct {
	id      netstack.SocketID
	pending []byte
}

func newEchoServer(ns *netstack.Stack, port uint16, log *slog.Logger) (*echoServer, error) {
	err := ns.ListenUDP(port, netstack.DatagramListenerFunc(func(w netstack.DatagramWriter, info *netstack.UDPInfo) {
		if err := w.SendUDP(info); err != nil {
			log.Debug("udp echo dropped", "peer", info.RemoteIP, "error", err)
		}
	}))
	if err != nil {
		return nil, fmt.Errorf("udp echo: %w", err)
	}

	l, err := ns.Socket(netstack.SockStream)
	if err != nil {
		return nil, fmt.Errorf("tcp echo: %w", err)
	}
	if err := ns.Bind(l, netip.AddrPortFrom(netip.IPv4Unspecified(), port)); err != nil {
		return nil, fmt.Errorf("tcp echo: %w", err)
	}
	if err := ns.Listen(l); err != nil {
		return nil, fmt.Errorf("tcp echo: %w", err)
	}
	return &echoServer{ns: ns, log: log, l: l, buf: make([]byte, 2048)}, nil
}

func (e *echoServer) poll() {
	if id, err := e.ns.Accept(e.l); err == nil {
		e.conns = append(e.conns, echoConn{id: id})
	} else if !netstack.IsTemporary(err) {
		e.log.Warn("tcp echo: accept", "error", err)
	}

	live := e.conns[:0]
	for _, c := range e.conns {
		if e.serve(&c) {
			live = append(live, c)
		} else {
			_ = e.ns.CloseSocket(c.id)
		}
	}
	e.conns = live
}

// serve moves data for one connection and reports whether it stays open.
func (e *echoServer) serve(c *echoConn) bool {
	if len(c.pending) > 0 {
		n, err := e.ns.Send(c.id, c.pending)
		c.pending = c.pending[n:]
		if err != nil && !netstack.IsTemporary(err) {
			e.log.Debug("tcp echo: send", "socket", c.id, "error", err)
			return false
		}
		if len(c.pending) > 0 {
			return true
		}
	}

	n, err := e.ns.Recv(c.id, e.buf)
	switch {
	case n > 0:
		c.pending = append(c.pending[:0], e.buf[:n]...)
		return true
	case errors.Is(err, io.EOF):
		return false
	case err != nil && !netstack.IsTemporary(err):
		e.log.Debug("tcp echo: recv", "socket", c.id, "error", err)
		return false
	}
	return true
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ipstackd: %v\n", err)
		os.Exit(1)
	}
}
