package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/lemonstand/market-engine/internal/auction"
	"github.com/lemonstand/market-engine/internal/bot"
	"github.com/lemonstand/market-engine/internal/config"
	"github.com/lemonstand/market-engine/internal/game"
	"github.com/lemonstand/market-engine/internal/orderbook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:          "lemonsim",
		Short:        "Headless lemonade stand market simulator",
		SilenceUsage: true,
	}
	root.AddCommand(
		newRunCmd(cfg),
		newStrategiesCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRunCmd(cfg *config.Config) *cobra.Command {
	var (
		ticks     int
		bots      int
		seed      uint64
		shares    int64
		cash      string
		floor     string
		policy    string
		companies []string
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every IPO with bots only, then trade for a number of ticks",
		RunE: func(cmd *cobra.Command, args []string) error {
			startingCash, err := decimal.NewFromString(cash)
			if err != nil {
				return fmt.Errorf("invalid --cash: %w", err)
			}
			if !startingCash.IsPositive() {
				return fmt.Errorf("invalid --cash %s, must be positive", startingCash)
			}
			floorPrice, err := decimal.NewFromString(floor)
			if err != nil {
				return fmt.Errorf("invalid --floor: %w", err)
			}
			if policy != string(auction.PolicyStrict) && policy != string(auction.PolicyTopUp) {
				return fmt.Errorf("invalid --policy %q, must be strict or topup", policy)
			}

			var logOut io.Writer = io.Discard
			if verbose {
				logOut = os.Stderr
			}
			logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

			mm := orderbook.DefaultMarketMakerConfig()
			mm.PoolShares = cfg.MMPoolShares
			mm.LowWater = cfg.MMLowWater

			session, err := game.NewSession(companies, shares, game.Options{
				StartingCash:     startingCash,
				FloorPrice:       floorPrice.Round(2),
				Policy:           auction.Policy(policy),
				BotCount:         bots,
				BotSeed:          seed,
				AllowMultipleCEO: cfg.AllowMultipleCEO,
				MarketMaker:      mm,
				Logger:           logger,
			})
			if err != nil {
				return err
			}
			return simulate(session, ticks)
		},
	}

	f := cmd.Flags()
	f.IntVar(&ticks, "ticks", 50, "trading ticks to run after the IPOs")
	f.IntVar(&bots, "bots", cfg.BotCount, "bot count (raised to the scavenger minimum)")
	f.Uint64Var(&seed, "seed", cfg.BotSeed, "bot random seed")
	f.Int64Var(&shares, "shares", cfg.SharesPerCompany, "issued shares per company")
	f.StringVar(&cash, "cash", cfg.StartingCash.String(), "starting cash per participant")
	f.StringVar(&floor, "floor", cfg.IPOFloorPrice.String(), "IPO floor price")
	f.StringVar(&policy, "policy", cfg.UndersubscriptionPolicy, "undersubscription policy: strict or topup")
	f.StringSliceVar(&companies, "companies", cfg.CompanyNames, "company names")
	f.BoolVarP(&verbose, "verbose", "v", false, "log engine events to stderr")
	return cmd
}

func simulate(session *game.Session, ticks int) error {
	printRoster(session.Participants())

	results, err := session.RunAllIPOs()
	printIPOs(results)
	if err != nil {
		printWarn(fmt.Sprintf("some IPOs did not clear:\n%s", err))
	}
	if len(results) == 0 {
		return fmt.Errorf("no company cleared its IPO")
	}

	if err := session.OpenTrading(); err != nil {
		return err
	}
	var orders, trades int
	for i := 0; i < ticks; i++ {
		res, err := session.BotTick()
		if err != nil {
			return fmt.Errorf("tick %d: %w", i+1, err)
		}
		orders += len(res)
		for _, r := range res {
			trades += len(r.Trades)
		}
	}
	if err := session.CloseTrading(); err != nil {
		return err
	}
	printInfo(fmt.Sprintf("%d ticks, %d orders accepted, %d trades", ticks, orders, trades))

	printMarket(session.Companies())
	printLeaderboard(session.Leaderboard(), session.CEOs())
	return nil
}

func newStrategiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List the bot strategies and their parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			accent.Printf("\n== BOT STRATEGIES ==\n")
			fmt.Printf("%-10s %-13s %-11s %-11s %8s %8s\n", "STRATEGY", "LADDER", "CASH", "SHARES", "PARTIC", "ACTIVITY")
			for _, s := range bot.Strategies() {
				p := bot.ParamsFor(s)
				ladder := bot.Ladder[p.LadderLow].StringFixed(2) + "-" + bot.Ladder[p.LadderHigh].StringFixed(2)
				sharesCol := fmt.Sprintf("%d-%d", p.MinShares, p.MaxShares)
				if p.FixedShares > 0 {
					ladder = "floor"
					sharesCol = fmt.Sprintf("%d", p.FixedShares)
				}
				fmt.Printf("%-10s %-13s %-11s %-11s %8.2f %8.2f\n",
					s,
					ladder,
					fmt.Sprintf("%.0f%%-%.0f%%", p.MinCashFrac*100, p.MaxCashFrac*100),
					sharesCol,
					p.Participation,
					p.TradeActivity,
				)
			}
			fmt.Println(strings.Repeat("-", 66))
			return nil
		},
	}
}
