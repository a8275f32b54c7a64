package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sisedes/cartsync/internal/cart"
	"github.com/sisedes/cartsync/internal/engine"
	"github.com/sisedes/cartsync/internal/localstore"
	"github.com/sisedes/cartsync/internal/pricing"
	"github.com/sisedes/cartsync/internal/remote"
	"github.com/sisedes/cartsync/internal/session"
	"github.com/sisedes/cartsync/internal/storage"
	"github.com/sisedes/cartsync/internal/storage/redisstore"
	"github.com/sisedes/cartsync/internal/storage/sqlitestore"
	"github.com/sisedes/cartsync/pkg/config"
	"github.com/sisedes/cartsync/pkg/logger"
	"github.com/sisedes/cartsync/pkg/metrics"
)

const usage = `cartctl <command> [flags]

Commands:
  get                         print the current cart
  add -product ID [-variant ID] [-qty N]
  update -item ID -qty N
  remove -item ID
  clear                       empty the cart
  apply-coupon -code CODE
  remove-coupon               drop all applied coupons
  merge [-session ID]         merge the anonymous cart after login
  watch                       follow cross-context cart changes
  demo-server [-addr :8799]   run an in-process cart backend for local use
`

func main() {
	logg := logger.New(logger.Options{ServiceName: "cartctl"})

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]
	args := os.Args[2:]

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	if command == "demo-server" {
		runDemoServer(logg, args)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "cartctl",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx := context.Background()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		logg.Error(ctx, "failed to open storage backend", err)
		os.Exit(1)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logg.Error(ctx, "error closing storage backend", err)
		}
	}()

	eng, err := buildEngine(cfg, backend, logg)
	if err != nil {
		logg.Error(ctx, "failed to build engine", err)
		os.Exit(1)
	}

	if err := dispatch(ctx, eng, command, args); err != nil {
		logg.Error(ctx, "command failed", err)
		os.Exit(1)
	}
}

func openBackend(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.NormalizedDriver() {
	case config.StorageDriverRedis:
		return redisstore.Open(ctx, cfg.Redis)
	default:
		return sqlitestore.Open(ctx, cfg.Storage)
	}
}

func buildEngine(cfg *config.Config, backend storage.Store, logg *logger.Logger) (*engine.Engine, error) {
	syncMetrics := metrics.NewCartSyncMetrics(prometheus.DefaultRegisterer)

	sessions, err := session.NewManager(backend, logg)
	if err != nil {
		return nil, err
	}

	local, err := localstore.New(localstore.Params{
		Backend:       backend,
		StalenessTTL:  cfg.Cart.StalenessTTL,
		ChangeChannel: cfg.Cart.ChangeChannel,
		Logger:        logg,
		Metrics:       syncMetrics,
	})
	if err != nil {
		return nil, err
	}

	client, err := remote.NewClient(remote.Params{
		Config:  cfg.Remote,
		Lookup:  cfg.Cart.ProductLookupPath,
		Session: sessions.GetOrCreate,
		Logger:  logg,
		Metrics: syncMetrics,
	})
	if err != nil {
		return nil, err
	}

	rules, err := rulesFromConfig(cfg.Cart)
	if err != nil {
		return nil, err
	}

	return engine.New(engine.Params{
		Remote:   client,
		Local:    local,
		Sessions: sessions,
		Products: client,
		Rules:    rules,
		Cooldown: cfg.Cart.RefreshCooldown,
		Logger:   logg,
		Metrics:  syncMetrics,
	})
}

func dispatch(ctx context.Context, eng *engine.Engine, command string, args []string) error {
	switch command {
	case "get":
		return printCart(eng.GetCart(ctx))

	case "add":
		fs := flag.NewFlagSet("add", flag.ExitOnError)
		product := fs.String("product", "", "product id")
		variant := fs.String("variant", "", "variant id")
		qty := fs.Int("qty", 1, "quantity")
		price := fs.String("price", "", "unit price for offline adds")
		name := fs.String("name", "", "product name for offline adds")
		if err := fs.Parse(args); err != nil {
			return err
		}
		input := engine.AddInput{ProductID: *product, VariantID: *variant, Quantity: *qty}
		if *price != "" {
			unit, err := decimal.NewFromString(*price)
			if err != nil {
				return fmt.Errorf("parsing price: %w", err)
			}
			input.Product = &cart.ProductSnapshot{ID: *product, Name: *name, Price: unit}
		}
		return printCart(eng.AddToCart(ctx, input))

	case "update":
		fs := flag.NewFlagSet("update", flag.ExitOnError)
		item := fs.String("item", "", "item id")
		qty := fs.Int("qty", 1, "quantity")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return printCart(eng.UpdateCartItem(ctx, *item, *qty))

	case "remove":
		fs := flag.NewFlagSet("remove", flag.ExitOnError)
		item := fs.String("item", "", "item id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return printCart(eng.RemoveFromCart(ctx, *item))

	case "clear":
		return printCart(eng.ClearCart(ctx))

	case "apply-coupon":
		fs := flag.NewFlagSet("apply-coupon", flag.ExitOnError)
		code := fs.String("code", "", "coupon code")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return printCart(eng.ApplyCoupon(ctx, *code))

	case "remove-coupon":
		return printCart(eng.RemoveCoupon(ctx))

	case "merge":
		fs := flag.NewFlagSet("merge", flag.ExitOnError)
		sessionID := fs.String("session", "", "anonymous session id to merge")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return printCart(eng.MergeCarts(ctx, *sessionID))

	case "watch":
		return watch(ctx, eng)

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// watch follows cross-context change broadcasts and reprints the cart on
// every notification until interrupted.
func watch(ctx context.Context, eng *engine.Engine) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	changes := make(chan struct{}, 1)
	cancel, err := eng.OnExternalChange(ctx, func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer cancel()

	if err := printCart(eng.GetCart(ctx)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			if err := printCart(eng.Refresh(ctx)); err != nil {
				return err
			}
		}
	}
}

// rulesFromConfig parses the decimal pricing knobs once at startup so a bad
// value fails loud instead of silently pricing at zero.
func rulesFromConfig(cfg config.CartConfig) (pricing.Rules, error) {
	taxRate, err := decimal.NewFromString(cfg.TaxRate)
	if err != nil {
		return pricing.Rules{}, fmt.Errorf("parsing tax rate: %w", err)
	}
	freeShippingMin, err := decimal.NewFromString(cfg.FreeShippingMin)
	if err != nil {
		return pricing.Rules{}, fmt.Errorf("parsing free shipping minimum: %w", err)
	}
	shippingFee, err := decimal.NewFromString(cfg.ShippingFee)
	if err != nil {
		return pricing.Rules{}, fmt.Errorf("parsing shipping fee: %w", err)
	}
	return pricing.Rules{
		TaxRate:         taxRate,
		FreeShippingMin: freeShippingMin,
		ShippingFee:     shippingFee,
	}, nil
}

func printCart(c any, err error) error {
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(c)
}
