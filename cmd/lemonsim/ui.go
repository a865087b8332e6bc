package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"

	"github.com/lemonstand/market-engine/internal/auction"
	"github.com/lemonstand/market-engine/internal/model"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
	neutral = color.New(color.FgHiWhite)
)

func printWarn(msg string) {
	warn.Printf("! %s\n", msg)
}

func printInfo(msg string) {
	neutral.Printf("%s\n", msg)
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

// signed colors a P&L figure green when positive and red when negative.
func signed(d decimal.Decimal) string {
	s := d.StringFixed(2)
	switch {
	case d.IsPositive():
		return success.Sprint("+" + s)
	case d.IsNegative():
		return danger.Sprint(s)
	default:
		return s
	}
}

func printRoster(ps []model.Participant) {
	accent.Printf("\n== PARTICIPANTS ==\n")
	fmt.Printf("%-8s %-14s %-10s %6s %6s %6s\n", "ID", "NAME", "STRATEGY", "RISK", "CONC", "MULT")
	for _, p := range ps {
		if p.Personality == nil {
			fmt.Printf("%-8s %-14s %-10s\n", p.ID, p.Name, "human")
			continue
		}
		fmt.Printf("%-8s %-14s %-10s %6.2f %6.2f %6.2f\n",
			p.ID, p.Name, p.Personality.Strategy,
			p.Personality.RiskTolerance, p.Personality.Concentration, p.Personality.BidMultiplier,
		)
	}
}

func printIPOs(results []auction.Result) {
	accent.Printf("\n== IPO RESULTS ==\n")
	fmt.Printf("%-16s %10s %10s %8s %9s\n", "COMPANY", "PRICE", "ALLOCATED", "HOLDERS", "REJECTED")
	for _, r := range results {
		holders := make(map[string]struct{})
		for _, a := range r.Allocations {
			holders[a.ParticipantID] = struct{}{}
		}
		fmt.Printf("%-16s %10s %10d %8d %9d\n",
			r.CompanyID, money(r.ClearingPrice), r.SharesAllocated, len(holders), len(r.Rejected),
		)
		if r.ToppedUp > 0 {
			printWarn(fmt.Sprintf("%s topped up %d shares at the floor", r.CompanyID, r.ToppedUp))
		}
	}
}

func printMarket(companies []model.Company) {
	accent.Printf("\n== MARKET ==\n")
	fmt.Printf("%-16s %10s %10s %10s %-10s\n", "COMPANY", "IPO", "NOW", "DELTA", "CEO")
	for _, c := range companies {
		if !c.IPOComplete {
			fmt.Printf("%-16s %10s\n", c.ID, "unlisted")
			continue
		}
		ceo := c.CEOParticipantID
		if ceo == "" {
			ceo = "-"
		}
		fmt.Printf("%-16s %10s %10s %10s %-10s\n",
			c.ID, money(c.IPOClearingPrice), money(c.CurrentPrice),
			signed(c.CurrentPrice.Sub(c.IPOClearingPrice)), ceo,
		)
	}
}

func printLeaderboard(board []model.LedgerSummary, ceos map[string]string) {
	controls := make(map[string][]string)
	for cid, pid := range ceos {
		controls[pid] = append(controls[pid], cid)
	}

	accent.Printf("\n== LEADERBOARD ==\n")
	fmt.Printf("%-4s %-14s %12s %12s %12s %12s  %s\n", "#", "NAME", "NET WORTH", "CASH", "UNREAL", "REALIZED", "CEO OF")
	for i, s := range board {
		fmt.Printf("%-4d %-14s %12s %12s %12s %12s  %v\n",
			i+1, s.Name, money(s.TotalNetWorth), money(s.Cash),
			signed(s.UnrealizedPnL), signed(s.RealizedPnL), controls[s.ParticipantID],
		)
	}
}
