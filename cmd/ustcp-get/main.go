// Command ustcp-get fetches an http:// URL over the user space TCP stack,
// either through a raw IPv4 socket or tunneled over UDP to a peer.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/soypat/ustcp/httpx"
	"github.com/soypat/ustcp/internal"
	"github.com/soypat/ustcp/link"
	"github.com/soypat/ustcp/stack"
	"github.com/vharitonsky/iniflags"
	"gopkg.in/natefinch/lumberjack.v2"
)

const ifaceName = "link0"

var (
	rawURL      string
	localAddr   string
	dnsServer   string
	udpPeer     string
	udpListen   string
	stackConfig string
	logLevel    string
	logFile     string
	outFile     string
	timeout     time.Duration
)

func main() {
	flag.StringVar(&rawURL, "url", "", "http:// URL to fetch")
	flag.StringVar(&localAddr, "local", "", "local IPv4 address of the stack, defaults to the first non-loopback address")
	flag.StringVar(&dnsServer, "dns", httpx.DefaultDNSServer, "DNS server used to resolve host names")
	flag.StringVar(&udpPeer, "udp-peer", "", "if set, tunnel IPv4 frames over UDP to this host:port instead of using a raw socket")
	flag.StringVar(&udpListen, "udp-listen", ":0", "local UDP address in tunnel mode")
	flag.StringVar(&stackConfig, "stack-config", "", "YAML stack configuration; overrides -local routing defaults")
	flag.StringVar(&logLevel, "log-level", "info", "one of trace, debug, info, warn, error")
	flag.StringVar(&logFile, "log-file", "", "log to a rotated file instead of stderr")
	flag.StringVar(&outFile, "out", "", "write the body to a file instead of stdout")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "overall request timeout")
	iniflags.Parse()

	logger, err := setupLogging()
	if err != nil {
		log.Fatalln(err)
	}
	if err := run(logger); err != nil {
		log.WithError(err).Error("ustcp-get failed")
		os.Exit(1)
	}
}

// setupLogging configures logrus for the command and returns an slog
// logger writing to the same output for the stack.
func setupLogging() (*slog.Logger, error) {
	lvl, err := log.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	var w io.Writer = os.Stderr
	if logFile != "" {
		w = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		}
	}
	log.SetOutput(w)
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	var slvl slog.Level
	switch lvl {
	case log.TraceLevel:
		slvl = internal.LevelTrace
	case log.DebugLevel:
		slvl = slog.LevelDebug
	case log.InfoLevel:
		slvl = slog.LevelInfo
	case log.WarnLevel:
		slvl = slog.LevelWarn
	default:
		slvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slvl})), nil
}

func run(logger *slog.Logger) error {
	if rawURL == "" {
		return errors.New("missing -url")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	local, err := localIPv4()
	if err != nil {
		return err
	}
	var l link.Link
	if udpPeer != "" {
		l, err = link.ListenUDP(udpListen, udpPeer)
		log.Infof("tunneling over UDP to %s", udpPeer)
	} else {
		l, err = link.NewRawLink(local, time.Second)
		log.Infof("using raw socket on %s", local)
	}
	if err != nil {
		return err
	}

	cfg, err := buildConfig(local)
	if err != nil {
		l.Close()
		return err
	}
	cfg.Logger = logger
	links := make(map[string]link.Link)
	for _, ic := range cfg.Interfaces {
		links[ic.Name] = l
	}
	st, err := stack.New(cfg, links)
	if err != nil {
		l.Close()
		return err
	}
	st.Start()
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Warn("closing stack")
		}
	}()

	client := httpx.Client{
		Dial: func(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
			ep, err := st.Dial(ctx, addr)
			if err != nil {
				return nil, err
			}
			return ep, nil
		},
		Resolver: httpx.NewResolver(dnsServer, logger),
		Logger:   logger,
	}
	start := time.Now()
	resp, err := client.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Close()
	log.WithFields(log.Fields{
		"status": resp.Header.StatusCode(),
		"type":   string(resp.Header.ContentType()),
	}).Info("response received")

	var out io.Writer = os.Stdout
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			return errors.Wrap(err, "creating output file")
		}
		defer f.Close()
		out = f
	}
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return errors.Wrapf(err, "reading body after %d bytes", n)
	}
	log.WithFields(log.Fields{
		"bytes":   n,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("done")
	return nil
}

func buildConfig(local netip.Addr) (stack.Config, error) {
	if stackConfig != "" {
		return stack.LoadConfig(stackConfig)
	}
	bits := 32
	if udpPeer == "" {
		bits = 24
	}
	return stack.Config{
		Interfaces: []stack.InterfaceConfig{{Name: ifaceName, Addr: netip.PrefixFrom(local, bits).String()}},
		Routes:     []stack.RouteConfig{{Prefix: "0.0.0.0/0", Interface: ifaceName}},
	}, nil
}

func localIPv4() (netip.Addr, error) {
	if localAddr != "" {
		addr, err := netip.ParseAddr(localAddr)
		if err != nil || !addr.Is4() {
			return netip.Addr{}, errors.Errorf("-local %q is not an IPv4 address", localAddr)
		}
		return addr, nil
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, errors.Wrap(err, "listing interface addresses")
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipn.IP.To4())
		if ok && !addr.IsLoopback() {
			return addr, nil
		}
	}
	return netip.Addr{}, errors.New("no non-loopback IPv4 address found, use -local")
}
