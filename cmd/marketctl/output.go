package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/danmuck/marketctl/internal/config"
	"github.com/danmuck/marketctl/internal/journal"
	"github.com/danmuck/marketctl/internal/mutate"
	"github.com/danmuck/marketctl/internal/programs/bubblegum"
	"github.com/danmuck/marketctl/internal/provision"
	"github.com/gagliardetto/solana-go"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var numbers = message.NewPrinter(language.AmericanEnglish)

func printSession(out io.Writer, s provision.Session) {
	fmt.Fprintf(out, "\nNetwork:    %s", s.Network.Title())
	if !s.NetworkReady {
		fmt.Fprint(out, " (not checked)")
	}
	fmt.Fprintf(out, "\nStep:       %s\n", s.Step)
	if s.HasIdentity() {
		fmt.Fprintf(out, "Wallet:     %s\n", s.Identity)
		fmt.Fprintf(out, "Authority:  %s", s.Authority)
		if s.AuthorityName != "" {
			fmt.Fprintf(out, " (%s)", s.AuthorityName)
		}
		fmt.Fprintln(out)
	}
	if s.HasCollection() {
		fmt.Fprintf(out, "Collection: %s\n", s.Collection)
	}
	if s.HasTree() {
		fmt.Fprintf(out, "Tree:       %s", s.Tree)
		if s.TreePreset > 0 {
			numbers.Fprintf(out, " (%d leaves)", s.TreePreset)
		}
		fmt.Fprintln(out)
	}
	if s.Verified {
		fmt.Fprintln(out, "Verified:   yes")
	}
	for _, step := range provision.Steps() {
		if sig, ok := s.Signature(step); ok {
			fmt.Fprintf(out, "  %-17s %s\n", step.String()+":", s.Network.ExplorerTxURL(sig.String()))
		}
	}
	fmt.Fprintln(out)
}

// printProposal shows unlinked resources found for the authority.
func printProposal(out io.Writer, p *provision.Proposal) {
	fmt.Fprintln(out, "Found existing resources pointing at this authority:")
	if p.Collection != (solana.PublicKey{}) {
		fmt.Fprintf(out, "  collection %s %q %s\n", p.Collection, p.CollectionName, p.CollectionURI)
	}
	if p.Tree != (solana.PublicKey{}) {
		numbers.Fprintf(out, "  tree       %s (%d leaves)\n", p.Tree, p.TreeLeaves)
	}
	fmt.Fprintln(out, "Only adopt them if you created them.")
}

func printStepError(out io.Writer, network config.Network, e *provision.StepError) {
	fmt.Fprintf(out, "Step %s failed: %s\n", e.Step, e.Message)
	if !e.Signature.IsZero() {
		fmt.Fprintf(out, "  transaction: %s\n", network.ExplorerTxURL(e.Signature.String()))
	}
	for _, line := range e.Logs {
		fmt.Fprintf(out, "  | %s\n", line)
	}
	if e.Fatal {
		fmt.Fprintln(out, "  This session cannot continue. Fix the ledger state and start again.")
	}
}

func printExport(out io.Writer, cfg *provision.ExportedConfig) {
	if cfg == nil {
		return
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		fmt.Fprintf(out, "render config: %v\n", err)
		return
	}
	fmt.Fprintf(out, "%s\n", data)
}

func printPresets(out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "#\tLeaves\tDepth\tCanopy\tBuffer\tCost (SOL)\tPer leaf (SOL)\t")
	for i, p := range bubblegum.Presets() {
		mark := ""
		if p.MaxLeaves == bubblegum.DefaultPresetLeaves {
			mark = "*"
		}
		numbers.Fprintf(w, "%d%s\t%d\t%d\t%d\t%d\t%.4f\t%.8f\t\n",
			i+1, mark, p.MaxLeaves, p.MaxDepth, p.CanopyDepth, p.MaxBufferSize, p.EstimatedCostSol, p.CostPerUnit)
	}
	_ = w.Flush()
}

func printReceipt(out io.Writer, network config.Network, r mutate.Receipt) {
	fmt.Fprintf(out, "%s confirmed in slot %d\n", r.Operation, r.Slot)
	if r.MarketID > 0 {
		fmt.Fprintf(out, "  market id: %d\n", r.MarketID)
	}
	explorer := r.Explorer
	if explorer == "" {
		explorer = network.ExplorerTxURL(r.Signature.String())
	}
	fmt.Fprintf(out, "  transaction: %s\n", explorer)
	if r.Recovered {
		fmt.Fprintln(out, "  (confirmed after a send error)")
	}
}

func printOverview(out io.Writer, o mutate.Overview) {
	au := o.Authority
	fmt.Fprintf(out, "\n%s on %s\n", au.Name, o.Network.Title())
	fmt.Fprintf(out, "  address:        %s\n", au.Address)
	fmt.Fprintf(out, "  fee recipient:  %s\n", au.FeeRecipient)
	fmt.Fprintf(out, "  fee:            %.2f%% (%d bps)\n", au.FeeRatePercent, au.FeeRateBps)
	fmt.Fprintf(out, "  verified:       %t\n", au.Verified)
	numbers.Fprintf(out, "  markets:        %d total, %d active\n", au.NumMarkets, au.ActiveMarkets)
	for _, c := range o.Resources.Collections {
		fmt.Fprintf(out, "  collection:     %s %s%s\n", c.Address, c.Name, activeMark(c.Active))
	}
	for _, t := range o.Resources.Trees {
		fmt.Fprintf(out, "  tree:           %s%s", t.Address, activeMark(t.Active))
		if t.NumMinted != nil && t.Capacity != nil {
			numbers.Fprintf(out, " %d/%d minted", *t.NumMinted, *t.Capacity)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out)
}

func activeMark(active bool) string {
	if active {
		return " [active]"
	}
	return ""
}

func printMarkets(out io.Writer, markets []mutate.MarketSummary) {
	if len(markets) == 0 {
		fmt.Fprintln(out, "No markets yet.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tState\tOracle\tEnds\tVolume\tQuestion")
	for _, m := range markets {
		state := m.State
		if m.Winner != "" {
			state += " (" + m.Winner + ")"
		}
		numbers.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			m.ID, state, m.Oracle, m.EndTime.Format(time.DateTime), m.Volume, m.Question)
	}
	_ = w.Flush()
}

func printSubmissions(out io.Writer, network config.Network, list []journal.Submission) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No submissions recorded.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "When\tLabel\tOutcome\tTransaction")
	for _, s := range list {
		link := "-"
		if s.Signature != "" {
			link = network.ExplorerTxURL(s.Signature)
		}
		outcome := s.Outcome
		if s.Recovered {
			outcome += " (recovered)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.CreatedAt.Local().Format(time.DateTime), s.Label, outcome, link)
		if s.Error != "" {
			fmt.Fprintf(w, "\t\t%s\t\n", s.Error)
		}
	}
	_ = w.Flush()
}

func shortKey(k solana.PublicKey) string {
	s := k.String()
	if len(s) <= 12 {
		return s
	}
	return s[:4] + ".." + s[len(s)-4:]
}
