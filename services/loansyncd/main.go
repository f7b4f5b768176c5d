package loansyncd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendearn/crypto"
	"lendearn/observability"
	"lendearn/observability/logging"
	telemetry "lendearn/observability/otel"
	"lendearn/services/loansyncd/internal/passphrase"
	"lendearn/services/loansyncd/ledger"
	"lendearn/services/loansyncd/lifecycle"
	"lendearn/services/loansyncd/referral"
	"lendearn/services/loansyncd/registry"
	"lendearn/services/loansyncd/rewardpool"
	"lendearn/services/loansyncd/session"
	"lendearn/services/loansyncd/syncer"
	"lendearn/storage"
)

// Main initialises and runs the loan sync daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/loansyncd/config.yaml", "path to loansyncd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("LOANSYNCD_ENV"))
	logger, logCloser := logging.Setup("loansyncd", env, logging.Options{
		Level:    logging.ParseLevel(cfg.LogLevel),
		FilePath: strings.TrimSpace(os.Getenv("LOANSYNCD_LOG_FILE")),
	})
	defer func() { _ = logCloser.Close() }()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("loansyncd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := storage.Open(storage.Backend(cfg.Store.Backend), cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	referrals, err := referral.New(db, referral.WithLogger(logger), referral.WithParam(cfg.Referral.Param))
	if err != nil {
		return err
	}
	if cfg.Referral.Visit != "" {
		if _, ok, err := referrals.Visit(cfg.Referral.Visit); err != nil {
			return fmt.Errorf("record referral visit: %w", err)
		} else if !ok {
			logger.Warn("referral parameter ignored", "value", cfg.Referral.Visit)
		}
	}

	account, signer, err := loadSigner(cfg)
	if err != nil {
		return err
	}
	if account == (common.Address{}) {
		logger.Warn("no signing key or watch account configured; sync stays idle")
	} else if signer == nil {
		logger.Info("running read-only", "account", account.Hex())
	}

	chainID, err := cfg.ChainIDValue()
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := ledger.DialEVMClient(dialCtx, cfg.RPCURL)
	if err == nil {
		err = verifyChain(dialCtx, client, chainID)
	}
	cancel()
	if err != nil {
		return fmt.Errorf("dial ledger: %w", err)
	}
	defer client.Close()

	var txSigner ledger.Signer
	if signer != nil {
		txSigner = signer
	}
	binding, err := ledger.NewEVMLedger(client, ledger.EVMConfig{
		Contract:      common.HexToAddress(cfg.Contract),
		ChainID:       chainID,
		Signer:        txSigner,
		Confirmations: cfg.Confirmations,
		PollInterval:  cfg.ReceiptPollInterval.Duration,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("bind contract: %w", err)
	}

	metrics := observability.LoanSync()
	holder := session.NewHolder()
	engine := syncer.New(registry.New(),
		syncer.WithLogger(logger),
		syncer.WithMetrics(metrics),
		syncer.WithInterval(cfg.RefreshInterval.Duration),
		syncer.WithReferralCounter(referrals),
	)
	engine.Attach(holder)
	ctrl, err := lifecycle.New(holder, engine.Registry(), engine,
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(metrics),
		lifecycle.WithReferrals(referrals),
	)
	if err != nil {
		return err
	}
	pool, err := rewardpool.New(ctrl, holder, logger, metrics)
	if err != nil {
		return err
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if signer != nil {
		holder.OnChange(func(_, next *session.Session) {
			if next.Connected() {
				go func() {
					bindCtx, cancel := context.WithTimeout(stopCtx, cfg.ActionTimeout.Duration)
					defer cancel()
					referrals.OnConnect(bindCtx, next, ctrl.BindReferrer)
				}()
			}
		})
	}
	if account != (common.Address{}) {
		holder.Swap(&session.Session{Account: account, ChainID: chainID, Ledger: binding})
	}

	server, err := NewServer(ServerDeps{
		Sessions:      holder,
		Engine:        engine,
		Controller:    ctrl,
		Pool:          pool,
		Referrals:     referrals,
		Auth:          NewAuthenticator(cfg.Auth, logger),
		Limiter:       NewRateLimiter(cfg.RateLimitPerMinute),
		LinkBase:      cfg.Referral.LinkBase,
		ActionTimeout: cfg.ActionTimeout.Duration,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server, "loansyncd"),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		errs <- engine.Run(stopCtx)
	}()
	go func() {
		logger.Info("loansyncd listening", "addr", cfg.ListenAddress, "contract", cfg.Contract)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		holder.Swap(nil)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

// loadSigner resolves the signing key. Without one the configured watch
// account, if any, is synced read-only.
func loadSigner(cfg Config) (common.Address, *ledger.KeySigner, error) {
	source := crypto.KeySource{
		KeystorePath: cfg.Keystore.Path,
		KeyEnv:       cfg.Keystore.KeyEnv,
		Passphrase:   passphrase.NewSource(cfg.Keystore.PassphraseEnv).Func(),
	}
	key, err := source.Load()
	if errors.Is(err, crypto.ErrNoKey) {
		if cfg.Watch == "" {
			return common.Address{}, nil, nil
		}
		return common.HexToAddress(cfg.Watch), nil, nil
	}
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("load signing key: %w", err)
	}
	signer, err := ledger.NewKeySigner(key.PrivateKey)
	if err != nil {
		return common.Address{}, nil, err
	}
	return signer.Address(), signer, nil
}

type chainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// verifyChain refuses to start against an endpoint serving another network.
func verifyChain(ctx context.Context, client chainReader, want *big.Int) error {
	got, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}
	if got.Cmp(want) != 0 {
		return fmt.Errorf("endpoint serves chain %s, configured %s", got, want)
	}
	return nil
}
