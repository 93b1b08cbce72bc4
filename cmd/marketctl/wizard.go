package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/danmuck/marketctl/internal/programs/bubblegum"
	"github.com/danmuck/marketctl/internal/provision"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

// runWizard walks the operator from the resumed step to complete. Typing
// exit at any prompt leaves the session where it is; the next run resumes
// from the ledger.
func (a *App) runWizard(ctx context.Context) error {
	s, err := a.connect(ctx)
	printSession(a.out, s)
	if err != nil {
		return err
	}
	for s.Step != provision.StepComplete {
		next, err := a.runStep(ctx, s)
		if err != nil && ignoreExit(err) == nil {
			fmt.Fprintln(a.out, "Leaving setup; run marketctl setup again to resume.")
			return nil
		}
		if err != nil {
			var serr *provision.StepError
			if !errors.As(err, &serr) {
				return err
			}
			printStepError(a.out, next.Network, serr)
			if serr.Fatal {
				return err
			}
			again, perr := a.confirm("Try this step again?", true)
			if perr != nil || !again {
				return err
			}
			s = next
			continue
		}
		s = next
		printSession(a.out, s)
	}

	fmt.Fprintln(a.out, "Setup complete.")
	printExport(a.out, s.Config)
	write, err := a.confirm("Write the configuration file?", true)
	if err != nil || !write {
		return ignoreExit(err)
	}
	path, err := a.machine.WriteExport(ctx, a.cfg.ExportDir, "json")
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Wrote %s\n", path)
	return nil
}

// runStep gathers input for the current step and runs it.
func (a *App) runStep(ctx context.Context, s provision.Session) (provision.Session, error) {
	if s.Proposal != nil && !a.proposalDeclined {
		printProposal(a.out, s.Proposal)
		adopt, err := a.confirm("Adopt these resources?", false)
		if err != nil {
			return s, err
		}
		if adopt {
			return a.machine.Adopt(ctx)
		}
		a.proposalDeclined = true
	}
	switch s.Step {
	case provision.StepCreateAuthority:
		in, err := a.promptAuthority(s)
		if err != nil {
			return s, err
		}
		return a.machine.CreateAuthority(ctx, in)
	case provision.StepCreateCollection:
		elsewhere, err := a.confirm("Link a collection and tree created elsewhere?", false)
		if err != nil {
			return s, err
		}
		if elsewhere {
			in, err := a.promptVerifyInput(s)
			if err != nil {
				return s, err
			}
			return a.machine.Verify(ctx, in)
		}
		name, err := a.promptDefault("Collection name", s.AuthorityName+" Collection")
		if err != nil {
			return s, err
		}
		uri, err := a.promptLine("Collection metadata URI")
		if err != nil {
			return s, err
		}
		return a.machine.CreateCollection(ctx, provision.CollectionInput{Name: name, URI: uri})
	case provision.StepCreateTree:
		leaves, err := a.promptPreset()
		if err != nil {
			return s, err
		}
		return a.machine.CreateTree(ctx, provision.TreeInput{MaxLeaves: leaves})
	case provision.StepVerify:
		ok, err := a.confirm("Verify the authority now?", true)
		if err != nil {
			return s, err
		}
		if !ok {
			return s, ErrNavigateExit
		}
		in, err := a.promptVerifyInput(s)
		if err != nil {
			return s, err
		}
		return a.machine.Verify(ctx, in)
	case provision.StepValidate:
		return a.machine.Validate(ctx)
	default:
		log.Debug().Str("step", s.Step.String()).Msg("marketctl wizard has no prompt for step")
		return a.machine.Resume(ctx)
	}
}

func (a *App) promptAuthority(s provision.Session) (provision.AuthorityInput, error) {
	fmt.Fprintln(a.out, "Create the market creator authority.")
	name, err := a.promptLine("Name")
	if err != nil {
		return provision.AuthorityInput{}, err
	}
	recipient, err := a.promptDefault("Fee recipient", s.Identity.String())
	if err != nil {
		return provision.AuthorityInput{}, err
	}
	fee, err := a.promptDefault("Creator fee percent (0-20)", "1")
	if err != nil {
		return provision.AuthorityInput{}, err
	}
	return provision.AuthorityInput{Name: name, FeeRecipient: recipient, FeePercent: fee}, nil
}

// promptVerifyInput asks for the addresses to link, defaulting to the
// session's own.
func (a *App) promptVerifyInput(s provision.Session) (provision.VerifyInput, error) {
	var in provision.VerifyInput
	var err error
	if in.Collection, err = a.promptDefault("Collection address", keyOrEmpty(s.Collection)); err != nil {
		return in, err
	}
	if in.Tree, err = a.promptDefault("Merkle tree address", keyOrEmpty(s.Tree)); err != nil {
		return in, err
	}
	return in, nil
}

func keyOrEmpty(k solana.PublicKey) string {
	if k == (solana.PublicKey{}) {
		return ""
	}
	return k.String()
}

// promptPreset offers the preset table and returns the chosen capacity.
func (a *App) promptPreset() (uint64, error) {
	presets := bubblegum.Presets()
	printPresets(a.out)
	def := 1
	for i, p := range presets {
		if p.MaxLeaves == a.cfg.TreePreset {
			def = i + 1
		}
	}
	for {
		raw, err := a.promptDefault(fmt.Sprintf("Tree preset [1-%d]", len(presets)), strconv.Itoa(def))
		if err != nil {
			return 0, err
		}
		n, err := strconv.ParseUint(raw, 10, 64)
		if err == nil && n >= 1 && n <= uint64(len(presets)) {
			return presets[n-1].MaxLeaves, nil
		}
		if _, perr := bubblegum.PresetFor(n); err == nil && perr == nil {
			return n, nil
		}
		fmt.Fprintln(a.out, "Invalid selection.")
	}
}

// ignoreExit treats exit and end of input as a clean stop.
func ignoreExit(err error) error {
	if errors.Is(err, ErrNavigateExit) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
