package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mdsync/pkg/config"
	"mdsync/pkg/feedsim"
	"mdsync/pkg/logger"
	"mdsync/pkg/session"
)

var simPairs = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}

func main() {
	configFile := flag.String("c", "", "Config file (YAML)")
	initialPair := flag.String("pair", "", "Pair to show first (default: default_pair)")
	simAddr := flag.String("sim", "", "Run a feed simulator on this address and connect to it")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := logger.Init(logger.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Tracing: cfg.Log.Tracing,
		Output:  os.Stderr,
	}); err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *simAddr != "" {
		addr, err := startSimulator(ctx, *simAddr, cfg.DefaultPair)
		if err != nil {
			log.Fatalf("simulator: %v", err)
		}
		cfg.APIURL = "http://" + addr
		cfg.WSURL = "ws://" + addr + "/ws"
	}

	term := newTerminal(os.Stdout)
	s, err := session.Open(ctx, cfg, session.Renderers{
		Series:         term,
		Book:           term,
		OnSeriesStatus: term.status("series"),
		OnBookStatus:   term.status("book"),
		OnStreamState:  term.streamState,
	})
	if err != nil {
		log.Fatalf("session: %v", err)
	}
	defer s.Close()

	pair := *initialPair
	if pair == "" {
		pair = cfg.DefaultPair
	}
	if err := s.SelectPair(ctx, pair); err != nil {
		log.Fatalf("select %s: %v", pair, err)
	}

	fmt.Println("Type a pair to switch, 'refresh' to reload, 'quit' to exit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.ToLower(line) {
			case "":
			case "quit", "exit":
				return
			case "refresh":
				s.Refresh()
			default:
				if err := s.SelectPair(ctx, strings.ToUpper(line)); err != nil {
					fmt.Printf("select %s: %v\n", line, err)
				}
			}
		}
	}
}

func startSimulator(ctx context.Context, addr, defaultPair string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	pairs := simPairs
	if defaultPair != "" && !contains(pairs, defaultPair) {
		pairs = append([]string{defaultPair}, pairs...)
	}

	srv := feedsim.New()
	srv.Seed(pairs, 100, time.Minute, 120, time.Now())

	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			logger.ErrorWithErr(ctx, "simulator stopped", err)
		}
	}()
	go srv.Simulate(ctx, time.Second, time.Minute)

	return ln.Addr().String(), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
