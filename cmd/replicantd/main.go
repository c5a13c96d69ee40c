package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/fwdcp/replicants"
	"github.com/fwdcp/replicants/channel"
	"github.com/fwdcp/replicants/protocol"
	"github.com/fwdcp/replicants/seed"
	"github.com/fwdcp/replicants/utils"
)

const usage = `replicantd - authoritative server for named replicated values.

Usage:
  replicantd [--config=<path>] [--listen=<addr>]... [--http=<addr>] [--seed=<dir>] [--verbose]
  replicantd -h | --help

Options:
  --config=<path>  YAML configuration file.
  --listen=<addr>  Listen address (tcp://, tls://, ws://); repeatable.
  --http=<addr>    Debug and metrics HTTP address.
  --seed=<dir>     Directory of JSON files seeding replicants.
  --verbose        Debug logging.
  -h --help        Show this help.`

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	args, err := docopt.ParseDoc(usage)
	if err != nil {
		return err
	}

	var cfg Config
	if path, _ := args.String("--config"); path != "" {
		if cfg, err = loadConfig(path); err != nil {
			return err
		}
	}
	if addrs := args["--listen"].([]string); len(addrs) > 0 {
		cfg.Listen = addrs
	}
	if addr, _ := args.String("--http"); addr != "" {
		cfg.HTTP = addr
	}
	if dir, _ := args.String("--seed"); dir != "" {
		cfg.Seed = dir
	}
	if v, _ := args.Bool("--verbose"); v {
		cfg.Verbose = true
	}
	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{"tcp://127.0.0.1:4600"}
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	log := utils.NewDefaultLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := channel.NewHub(log)
	srv, err := replicants.NewServer(hub, replicants.ServerOptions{
		Namespace:    cfg.Namespace,
		RoomPrefix:   cfg.RoomPrefix,
		HistoryLimit: cfg.HistoryLimit,
		Log:          log,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	prometheus.MustRegister(replicants.NewServerCollector(srv))

	sockets := xsync.NewMapOf[string, *channel.Socket]()
	net := protocol.NewNet(log, nil,
		func(name string) protocol.FeedDrainCloserTraced {
			sock := channel.NewSocket(log, channel.SocketOptions{})
			srv.Install(sock)
			sockets.Store(name, sock)
			return sock
		},
		func(name string, _ protocol.Traced) {
			if sock, ok := sockets.LoadAndDelete(name); ok {
				_ = sock.Close()
			}
		})
	defer net.Close()

	for _, addr := range cfg.Listen {
		if err := net.Listen(ctx, addr); err != nil {
			return err
		}
	}

	if cfg.Seed != "" {
		sdr, err := seed.New(srv, seed.Options{Dir: cfg.Seed, Log: log})
		if err != nil {
			return err
		}
		defer sdr.Close()
		if err := sdr.Start(ctx); err != nil {
			return err
		}
	}

	if cfg.HTTP != "" {
		go serveHTTP(ctx, log, cfg.HTTP, srv)
	}

	log.Info("replicantd up", "listen", cfg.Listen)
	<-ctx.Done()
	log.Info("replicantd shutting down")
	return nil
}

func serveHTTP(ctx context.Context, log utils.Logger, addr string, srv *replicants.Server) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())

	router.HandleFunc("/replicants", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(srv.Names())
	})

	router.HandleFunc("/replicants/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		value, history, ok := srv.Get(name)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":            name,
			"value":           value,
			"revisionHistory": history,
		})
	})

	httpSrv := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Close()
	}()

	log.Info("debug http up", "addr", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("debug http failed", "err", err)
	}
}
