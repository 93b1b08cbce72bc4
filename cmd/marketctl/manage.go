package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/marketctl/internal/mutate"
	"github.com/danmuck/marketctl/internal/provision"
	"github.com/rs/zerolog/log"
)

// runManager is the menu for an authority that already exists.
func (a *App) runManager(ctx context.Context) error {
	s, err := a.connect(ctx)
	if err != nil {
		printSession(a.out, s)
		return err
	}
	if s.Step < provision.StepCreateCollection {
		printSession(a.out, s)
		return errors.New("no market creator for this wallet; run marketctl setup first")
	}
	for {
		a.printManagerMenu(s)
		choice, err := a.promptInt("Choose", 1, 7)
		if err != nil {
			return ignoreExit(err)
		}
		switch choice {
		case 1:
			err = a.showOverview(ctx)
		case 2:
			err = a.updateFeeRecipient(ctx)
		case 3:
			err = a.updateFeeRate(ctx)
		case 4:
			err = a.runMarketsList(ctx)
		case 5:
			err = a.createMarket(ctx)
		case 6:
			err = a.resolveMarket(ctx)
		case 7:
			return nil
		}
		if errors.Is(err, ErrNavigateExit) {
			continue
		}
		if err != nil {
			log.Debug().Err(err).Int("choice", choice).Msg("marketctl manager action failed")
			fmt.Fprintf(a.out, "Failed: %v\n", err)
		}
	}
}

func (a *App) printManagerMenu(s provision.Session) {
	fmt.Fprintf(a.out, "\nManage %s (%s) on %s\n", s.AuthorityName, shortKey(s.Authority), s.Network.Title())
	fmt.Fprintln(a.out, "  1) Overview")
	fmt.Fprintln(a.out, "  2) Update fee recipient")
	fmt.Fprintln(a.out, "  3) Update fee rate")
	fmt.Fprintln(a.out, "  4) List markets")
	fmt.Fprintln(a.out, "  5) Create market")
	fmt.Fprintln(a.out, "  6) Resolve market")
	fmt.Fprintln(a.out, "  7) Exit")
}

func (a *App) showOverview(ctx context.Context) error {
	o, err := a.mutations.Overview(ctx)
	if err != nil {
		return err
	}
	printOverview(a.out, o)
	return nil
}

func (a *App) runMarketsList(ctx context.Context) error {
	markets, err := a.mutations.ListMarkets(ctx)
	if err != nil {
		return err
	}
	printMarkets(a.out, markets)
	return nil
}

func (a *App) updateFeeRecipient(ctx context.Context) error {
	raw, err := a.promptLine("New fee recipient address")
	if err != nil {
		return err
	}
	return a.receipt(a.mutations.UpdateFeeRecipient(ctx, raw))
}

func (a *App) updateFeeRate(ctx context.Context) error {
	raw, err := a.promptLine("New creator fee percent (0-20)")
	if err != nil {
		return err
	}
	return a.receipt(a.mutations.UpdateFeeRate(ctx, raw))
}

func (a *App) createMarket(ctx context.Context) error {
	var in mutate.MarketInput
	var err error
	if in.Question, err = a.promptLine("Question"); err != nil {
		return err
	}
	if in.MetadataURI, err = a.promptLine("Metadata URI"); err != nil {
		return err
	}
	now := time.Now()
	startsIn, err := a.promptDuration("Starts in", "1h")
	if err != nil {
		return err
	}
	runsFor, err := a.promptDuration("Runs for", "24h")
	if err != nil {
		return err
	}
	in.Start = now.Add(startsIn)
	in.End = in.Start.Add(runsFor)
	if in.Future, err = a.confirm("Future market (betting opens later)?", false); err != nil {
		return err
	}
	if in.Future {
		opensIn, err := a.promptDuration("Betting opens in", "30m")
		if err != nil {
			return err
		}
		in.BettingStart = now.Add(opensIn)
	}
	if in.Oracle, err = a.promptDefault("Oracle (none|switchboard)", mutate.OracleManual); err != nil {
		return err
	}
	if strings.EqualFold(in.Oracle, mutate.OracleSwitchboard) {
		if in.OracleKey, err = a.promptLine("Oracle public key"); err != nil {
			return err
		}
	}
	if in.Mint, err = a.promptDefault("Betting mint (usdc|sol|bonk|custom)", mutate.MintUSDC); err != nil {
		return err
	}
	if strings.EqualFold(in.Mint, mutate.MintCustom) {
		if in.CustomMint, err = a.promptLine("Mint address"); err != nil {
			return err
		}
	}
	return a.receipt(a.mutations.CreateMarket(ctx, in))
}

func (a *App) resolveMarket(ctx context.Context) error {
	raw, err := a.promptLine("Market id")
	if err != nil {
		return err
	}
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return errors.New("market id must be a number")
	}
	rawOutcome, err := a.promptLine("Outcome (yes|no|oracle)")
	if err != nil {
		return err
	}
	outcome, err := mutate.ParseOutcome(rawOutcome)
	if err != nil {
		return err
	}
	ok, err := a.confirm(fmt.Sprintf("Resolve market %d as %s?", id, outcome), false)
	if err != nil || !ok {
		return err
	}
	return a.receipt(a.mutations.ResolveMarket(ctx, id, outcome))
}

func (a *App) promptDuration(label, def string) (time.Duration, error) {
	for {
		raw, err := a.promptDefault(label, def)
		if err != nil {
			return 0, err
		}
		d, err := time.ParseDuration(raw)
		if err == nil && d >= 0 {
			return d, nil
		}
		fmt.Fprintln(a.out, "Enter a duration such as 90m or 2h.")
	}
}

func (a *App) receipt(r mutate.Receipt, err error) error {
	if err != nil {
		return err
	}
	printReceipt(a.out, a.machine.Session().Network, r)
	return nil
}
