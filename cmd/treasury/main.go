package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fox-one/mixin-sdk-go"
	"github.com/fox-one/treasury"
	"golang.org/x/sync/errgroup"
)

var cfg struct {
	keystorePath   string
	dbPath         string
	port           int
	asset          string
	pin            string
	instance       string
	admins         string
	policyPath     string
	keeperInterval time.Duration
	jwtIssuer      string
	jwtSecret      string
}

func init() {
	flag.StringVar(&cfg.dbPath, "db", "treasury.db", "database path")
	flag.StringVar(&cfg.keystorePath, "key", "key.json", "custody bot keystore path")
	flag.IntVar(&cfg.port, "port", 8080, "http port")
	flag.StringVar(&cfg.asset, "asset", "4d8c508b-91c5-375b-92b0-ee702ed2dac5", "custodied asset id")
	flag.StringVar(&cfg.pin, "pin", "", "custody bot pin")
	flag.StringVar(&cfg.instance, "instance", "treasury", "instance name, seeds commitment domains and trace ids")
	flag.StringVar(&cfg.admins, "admins", "", "comma separated admin accounts")
	flag.StringVar(&cfg.policyPath, "policy", "", "policy toml path")
	flag.DurationVar(&cfg.keeperInterval, "keeper-interval", 0, "run the reaper every interval, 0 disables")
	flag.StringVar(&cfg.jwtIssuer, "jwt-issuer", "treasury", "accepted jwt issuer")
	flag.StringVar(&cfg.jwtSecret, "jwt-secret", "", "jwt hmac secret (required)")
}

func checkFlags() error {
	if cfg.jwtSecret == "" {
		return errors.New("-jwt-secret is required")
	}

	return nil
}

func readKeystore(path string) (*mixin.Keystore, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var store mixin.Keystore
	if err := json.Unmarshal(b, &store); err != nil {
		return nil, err
	}

	return &store, nil
}

func splitAccounts(s string) []string {
	var accounts []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			accounts = append(accounts, a)
		}
	}

	return accounts
}

func main() {
	flag.Parse()
	if err := checkFlags(); err != nil {
		slog.Error("invalid flags", slog.Any("err", err))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	policy := treasury.DefaultPolicy()
	if cfg.policyPath != "" {
		p, err := treasury.LoadPolicy(cfg.policyPath)
		if err != nil {
			slog.Error("load policy failed", slog.Any("err", err))
			return
		}

		policy = p
	}

	store, err := readKeystore(cfg.keystorePath)
	if err != nil {
		slog.Error("read keystore failed", slog.Any("err", err))
		return
	}

	client, err := mixin.NewFromKeystore(store)
	if err != nil {
		slog.Error("init mixin client failed", slog.Any("err", err))
		return
	}

	db, err := badger.Open(badger.DefaultOptions(cfg.dbPath))
	if err != nil {
		slog.Error("open db failed", slog.Any("err", err))
		return
	}
	defer db.Close()

	slog.Info("treasury launch", "ver", "0.01", "instance", cfg.instance)

	ml := treasury.NewMixinLedger(db, client, cfg.asset, cfg.pin)
	svr, err := treasury.NewServer(db, ml, treasury.Config{
		Instance:       cfg.instance,
		Custody:        ml.Custody(),
		Admins:         splitAccounts(cfg.admins),
		Policy:         policy,
		KeeperInterval: cfg.keeperInterval,
		AuthIssuer:     cfg.jwtIssuer,
		AuthSecret:     []byte(cfg.jwtSecret),
	})
	if err != nil {
		slog.Error("init server failed", slog.Any("err", err))
		return
	}

	s := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.port),
		Handler: svr.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http listen", slog.String("addr", s.Addr))
		if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdown)
	})

	g.Go(func() error {
		return runGC(ctx, db, time.Minute)
	})

	g.Go(func() error {
		return svr.Run(ctx)
	})

	g.Go(func() error {
		return ml.LoopSnapshots(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("treasury exit", slog.Any("err", err))
	}
}

func runGC(ctx context.Context, db *badger.DB, dur time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dur):
			_ = db.RunValueLogGC(0.7)
		}
	}
}
