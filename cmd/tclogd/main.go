// Command tclogd samples thermocouple readings from a serial-attached
// Innovate ISP2 instrument, logs them to date-partitioned files, and
// serves the live and historical data over HTTP. It is designed to run
// unattended under external supervision: it exits non-zero only when
// startup itself is impossible (device never opens, log directory not
// writable), and degrades gracefully on everything else.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stovelab/tclog/internal/health"
	"github.com/stovelab/tclog/internal/isp2"
	"github.com/stovelab/tclog/internal/link"
	"github.com/stovelab/tclog/internal/pipeline"
	"github.com/stovelab/tclog/internal/server"
	"github.com/stovelab/tclog/internal/tslog"
	"github.com/stovelab/tclog/web"
)

func main() {
	configPath := flag.String("config", "/etc/tclog/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated instrument")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	logDir := flag.String("logdir", "", "Override partition log directory")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] tclogd starting")

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Device.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *logDir != "" {
		cfg.Log.Dir = *logDir
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	hp := health.New()
	latest := tslog.NewLatest()

	// Log store must be creatable or the process is useless: exit
	// non-zero and let supervision retry.
	writer, err := tslog.NewWriter(cfg.Log.Dir, cfg.WriterOptions())
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	open := link.OpenSerial
	if cfg.Device.Type == "demo" {
		open = link.OpenDemo
	}
	mgr := link.NewManager(cfg.LinkConfig(), func(c link.Config) (link.Port, error) {
		port, err := open(c)
		if err != nil {
			hp.SetError(err)
		}
		return port, err
	}, func(s link.State) {
		hp.SetLinkState(s.String())
	})

	// Initial connect with bounded exponential backoff. A device that
	// never opens is a startup failure; afterwards the manager reopens
	// on its own for as long as the process lives.
	if err := connectWithRetry(ctx, mgr, cfg.Device.ConnectAttempts); err != nil {
		log.Fatalf("[main] device %s never opened: %v", cfg.Device.PortPath, err)
	}

	decoder := isp2.NewDecoder(isp2.DefaultMaxBuffer)
	extractor := isp2.NewExtractor(cfg.Decode)
	pipe := pipeline.New(mgr, decoder, extractor, writer, latest, hp, cfg.Log.Backlog)

	reader := tslog.NewReader(cfg.Log.Dir, time.Local)

	// Seed the latest-sample cache from the store so the display answers
	// immediately after a restart rather than after the first frame.
	if recovered, err := reader.Latest(2); err != nil {
		log.Printf("[main] cold-start scan: %v", err)
	} else if len(recovered) > 0 {
		for _, s := range recovered {
			latest.Set(s)
		}
		log.Printf("[main] recovered latest readings for %d channels", len(recovered))
	}

	srv := server.New(cfg, reader, latest, hp, mgr, web.FS)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipe.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	err = g.Wait()
	mgr.Close()
	if err != nil && err != context.Canceled {
		log.Printf("[main] exited with error: %v", err)
		os.Exit(1)
	}
	log.Println("[main] clean shutdown")
}

// connectWithRetry attempts the initial open with exponential backoff,
// 1s doubling to 30s, giving up after maxAttempts.
func connectWithRetry(ctx context.Context, mgr *link.Manager, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	delay := 1 * time.Second
	maxDelay := 30 * time.Second

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = mgr.Connect(); err == nil {
			log.Printf("[main] device connected (attempt %d)", attempt)
			return nil
		}
		log.Printf("[main] connect attempt %d/%d failed: %v (retry in %v)",
			attempt, maxAttempts, err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return err
}
