package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goremoting/goremoting/remoting"
)

var help = `
  Usage: goremoting [command] [--help]

  Commands:
    server - runs a goremoting listener, accepting connections from clients
    client - dials a goremoting listener and holds the session open

  This binary exists only to wire the remoting library together over a real
  TCP socket; all of the protocol logic lives in the remoting package.
`

func sigIntHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT)
	select {
	case <-sig:
		log.Printf("SIGINT received; cancelling main ctx")
	case <-ctx.Done():
	}
	signal.Stop(sig)
	cancel()
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flag.Usage = func() { fmt.Fprint(os.Stderr, help) }
	flag.Parse()
	args := flag.Args()

	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "server":
		go sigIntHandler(ctx, cancel)
		runServer(ctx, args)
	case "client":
		go sigIntHandler(ctx, cancel)
		runClient(ctx, args)
	default:
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}

var serverHelp = `
  Usage: goremoting server [options]

  Options:
    --bind, Address to listen on (default 0.0.0.0:7890)
    --status, Address for the status page (default disabled)
    --reverse-timeout, Max time to wait for a callback's reverse channel (default 30s)
    --keepalive, Idle-connection liveness probe interval (default 30s, 0 disables)
    -v, Enable verbose logging
`

func runServer(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("server", flag.ExitOnError)
	bind := flags.String("bind", "0.0.0.0:7890", "")
	status := flags.String("status", "", "")
	reverseTimeout := flags.Duration("reverse-timeout", 30*time.Second, "")
	keepalive := flags.Duration("keepalive", 30*time.Second, "")
	verbose := flags.Bool("v", false, "")
	flags.Usage = func() { fmt.Print(serverHelp) }
	flags.Parse(args)

	level := remoting.LogLevelInfo
	if *verbose {
		level = remoting.LogLevelDebug
	}
	logger := remoting.NewLogger("goremoting", level)

	im := remoting.NewInstanceManager(logger, remoting.OwnInstanceIdentifier())
	cfg := remoting.ServerConfig{
		BindAddr:              *bind,
		LogLevel:              level,
		ReverseChannelTimeout: *reverseTimeout,
		KeepAliveInterval:     *keepalive,
	}

	listener, err := remoting.Listen(logger, cfg, im)
	if err != nil {
		log.Fatalf("listen failed: %s", err)
	}

	connStats := &remoting.ConnStats{}
	listener.OnPrimarySession = func(sess *remoting.Session) {
		connStats.New()
		connStats.Opened()
		go func() {
			<-sess.PrimaryReceive.ShutdownDoneChan()
			connStats.Closed()
		}()
		logger.ILogf("session established with peer %s", sess.Peer)
	}

	if *status != "" {
		page := remoting.NewStatusPage(logger, im, connStats)
		go func() {
			if err := page.ListenAndServe(ctx, *status); err != nil {
				logger.ELogf("status page exited: %s", err)
			}
		}()
	}

	<-ctx.Done()
	listener.Close()
}

var clientHelp = `
  Usage: goremoting client [options] <host> <port>

  Options:
    --max-retry-count, Max connect retries after the first attempt fails (default unlimited)
    --max-retry-interval, Max backoff between attempts (default 5m)
    --keepalive, Idle-connection liveness probe interval (default 30s, 0 disables)
    -v, Enable verbose logging
`

func runClient(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("client", flag.ExitOnError)
	maxRetryCount := flags.Int("max-retry-count", -1, "")
	maxRetryInterval := flags.Duration("max-retry-interval", 5*time.Minute, "")
	keepalive := flags.Duration("keepalive", 30*time.Second, "")
	verbose := flags.Bool("v", false, "")
	flags.Usage = func() { fmt.Print(clientHelp) }
	flags.Parse(args)
	args = flags.Args()
	if len(args) != 2 {
		log.Fatalf("a host and port are required")
	}
	host := args[0]
	port := 0
	if _, err := fmt.Sscanf(args[1], "%d", &port); err != nil {
		log.Fatalf("invalid port %q: %s", args[1], err)
	}

	level := remoting.LogLevelInfo
	if *verbose {
		level = remoting.LogLevelDebug
	}
	logger := remoting.NewLogger("goremoting", level)

	im := remoting.NewInstanceManager(logger, remoting.OwnInstanceIdentifier())
	cfg := remoting.ClientConfig{
		Host:              host,
		Port:              port,
		MaxRetryCount:     *maxRetryCount,
		MaxRetryInterval:  *maxRetryInterval,
		LogLevel:          level,
		KeepAliveInterval: *keepalive,
	}

	sess, err := remoting.DialClient(ctx, logger, cfg, im)
	if err != nil {
		log.Fatalf("dial failed: %s", err)
	}
	logger.ILogf("connected; peer instance id %s", sess.Peer)

	<-ctx.Done()
	sess.Primary.StartShutdown(nil)
	sess.Primary.WaitShutdown()
}
