// trader is the manual broker CLI: place and cancel orders, inspect
// positions and account state, and flatten the book, against the same
// broker account the engine trades. Paper by default; --live switches to
// the real account.
//
// Usage:
//
//	trader [--live] buy <ticker> [--dollars N] [--tp %] [--sl %]
//	trader [--live] sell <ticker>
//	trader [--live] status | positions | orders
//	trader [--live] quote <ticker>
//	trader [--live] close <ticker> | close-all | cancel-all
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/joho/godotenv"

	"newsflow-trader/internal/broker"
	"newsflow-trader/internal/config"
)

const cmdTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	live := flag.Bool("live", false, "use the live account instead of paper")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg := config.BrokerConfig{
		APIKey:    os.Getenv("NEWSFLOW_BROKER_KEY"),
		APISecret: os.Getenv("NEWSFLOW_BROKER_SECRET"),
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		fmt.Fprintln(os.Stderr, "error: NEWSFLOW_BROKER_KEY / NEWSFLOW_BROKER_SECRET must be set")
		os.Exit(1)
	}
	bk := broker.NewAlpaca(cfg, !*live, logger)

	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	if err := run(ctx, bk, args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, bk broker.Broker, cmd string, args []string) error {
	switch cmd {
	case "buy":
		return cmdBuy(ctx, bk, args)
	case "sell":
		return cmdSell(ctx, bk, args)
	case "status":
		return cmdStatus(ctx, bk)
	case "positions":
		return cmdPositions(ctx, bk)
	case "orders":
		return cmdOrders(ctx, bk)
	case "quote":
		return cmdQuote(ctx, bk, args)
	case "close":
		return cmdClose(ctx, bk, args)
	case "close-all":
		return cmdCloseAll(ctx, bk)
	case "cancel-all":
		return bk.CancelAllOrders(ctx)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdBuy(ctx context.Context, bk broker.Broker, args []string) error {
	fs := flag.NewFlagSet("buy", flag.ContinueOnError)
	dollars := fs.Float64("dollars", 1000, "dollar amount to buy")
	tp := fs.Float64("tp", 0, "informational take-profit percent")
	sl := fs.Float64("sl", 0, "informational stop-loss percent")
	ticker, err := parseTicker(fs, args)
	if err != nil {
		return err
	}

	price, err := lastTradePrice(ctx, bk, ticker)
	if err != nil {
		return err
	}
	shares := int64(math.Floor(*dollars / price))
	if shares < 1 {
		shares = 1
	}

	ack, err := bk.Buy(ctx, ticker, shares, price)
	if err != nil {
		return err
	}
	fmt.Printf("buy submitted: %s %d @ %.2f (order %s)\n", ticker, shares, price, ack.OrderID)
	if *tp > 0 {
		fmt.Printf("  take-profit target: %.2f\n", price*(1+*tp/100))
	}
	if *sl > 0 {
		fmt.Printf("  stop-loss level:    %.2f\n", price*(1-*sl/100))
	}
	return nil
}

func cmdSell(ctx context.Context, bk broker.Broker, args []string) error {
	fs := flag.NewFlagSet("sell", flag.ContinueOnError)
	ticker, err := parseTicker(fs, args)
	if err != nil {
		return err
	}
	return sellPosition(ctx, bk, ticker)
}

func cmdStatus(ctx context.Context, bk broker.Broker) error {
	acct, err := bk.GetAccountInfo(ctx)
	if err != nil {
		return err
	}
	mode := "paper"
	if !bk.Paper() {
		mode = "live"
	}
	fmt.Printf("account (%s)\n", mode)
	fmt.Printf("  equity:       %.2f\n", acct.Equity)
	fmt.Printf("  cash:         %.2f\n", acct.Cash)
	fmt.Printf("  buying power: %.2f\n", acct.BuyingPower)
	return nil
}

func cmdPositions(ctx context.Context, bk broker.Broker) error {
	positions, err := bk.GetPositions(ctx)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Println("no open positions")
		return nil
	}
	for _, p := range positions {
		fmt.Printf("%-6s %8d @ %.2f\n", p.Ticker, p.Shares, p.AvgPrice)
	}
	return nil
}

func cmdOrders(ctx context.Context, bk broker.Broker) error {
	orders, err := bk.GetOpenOrders(ctx)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Println("no open orders")
		return nil
	}
	for _, o := range orders {
		fmt.Printf("%-6s %-4s %8d @ %.2f  %s  %s\n",
			o.Ticker, o.Side, o.Shares, o.LimitPrice, o.CreatedAt.Format(time.RFC3339), o.OrderID)
	}
	return nil
}

func cmdQuote(ctx context.Context, bk broker.Broker, args []string) error {
	fs := flag.NewFlagSet("quote", flag.ContinueOnError)
	ticker, err := parseTicker(fs, args)
	if err != nil {
		return err
	}
	tradeable, reason, err := bk.IsTradeable(ctx, ticker)
	if err != nil {
		return err
	}
	if !tradeable {
		fmt.Printf("%s: not tradeable (%s)\n", ticker, reason)
		return nil
	}
	price, err := lastTradePrice(ctx, bk, ticker)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %.2f\n", ticker, price)
	return nil
}

func cmdClose(ctx context.Context, bk broker.Broker, args []string) error {
	fs := flag.NewFlagSet("close", flag.ContinueOnError)
	ticker, err := parseTicker(fs, args)
	if err != nil {
		return err
	}
	return sellPosition(ctx, bk, ticker)
}

func cmdCloseAll(ctx context.Context, bk broker.Broker) error {
	positions, err := bk.GetPositions(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if err := sellPosition(ctx, bk, p.Ticker); err != nil {
			return err
		}
	}
	return nil
}

func sellPosition(ctx context.Context, bk broker.Broker, ticker string) error {
	pos, err := bk.GetPosition(ctx, ticker)
	if err != nil {
		return err
	}
	if pos == nil || pos.Shares == 0 {
		return fmt.Errorf("no position in %s", ticker)
	}
	price, err := lastTradePrice(ctx, bk, ticker)
	if err != nil {
		return err
	}
	ack, err := bk.Sell(ctx, ticker, pos.Shares, price)
	if err != nil {
		return err
	}
	fmt.Printf("sell submitted: %s %d @ %.2f (order %s)\n", ticker, pos.Shares, price, ack.OrderID)
	return nil
}

// lastTradePrice falls back to the position's average entry when the
// broker offers no quote surface, keeping limit orders price-bounded.
func lastTradePrice(ctx context.Context, bk broker.Broker, ticker string) (float64, error) {
	type quoter interface {
		LastTradePrice(ctx context.Context, ticker string) (float64, error)
	}
	if q, ok := bk.(quoter); ok {
		return q.LastTradePrice(ctx, ticker)
	}
	pos, err := bk.GetPosition(ctx, ticker)
	if err != nil {
		return 0, err
	}
	if pos != nil && pos.AvgPrice > 0 {
		return pos.AvgPrice, nil
	}
	return 0, fmt.Errorf("no price available for %s", ticker)
}

func parseTicker(fs *flag.FlagSet, args []string) (string, error) {
	// Accept "TICKER --flag" and "--flag TICKER" argument orders.
	var ticker string
	rest := args
	if len(rest) > 0 && rest[0] != "" && rest[0][0] != '-' {
		ticker = rest[0]
		rest = rest[1:]
	}
	if err := fs.Parse(rest); err != nil {
		return "", err
	}
	if ticker == "" && fs.NArg() > 0 {
		ticker = fs.Arg(0)
	}
	if ticker == "" {
		return "", fmt.Errorf("ticker argument required")
	}
	return ticker, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: trader [--live] <command>

commands:
  buy <ticker> [--dollars N] [--tp %%] [--sl %%]   submit a limit buy at the current price
  sell <ticker>                                  sell the whole position
  status                                         account equity, cash, buying power
  positions                                      list open positions
  orders                                         list open orders
  quote <ticker>                                 tradeability and last price
  close <ticker>                                 alias of sell
  close-all                                      sell every open position
  cancel-all                                     cancel every open order
`)
}
