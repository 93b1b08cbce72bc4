package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

// Confirmation is the settled status of a signature. Err is set when the
// ledger executed the transaction and rejected it.
type Confirmation struct {
	Signature solana.Signature
	Slot      uint64
	Err       string
}

// Confirmer polls signature status until the target commitment, a ledger
// rejection, or Timeout.
type Confirmer struct {
	Client  Client
	Backoff BackoffConfig
	Timeout time.Duration
	Target  Commitment

	rng *rand.Rand
}

func NewConfirmer(client Client, backoff BackoffConfig, timeout time.Duration) *Confirmer {
	return &Confirmer{
		Client:  client,
		Backoff: backoff,
		Timeout: timeout,
		Target:  CommitmentConfirmed,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Confirm waits for sig. It returns ErrConfirmTimeout when the bound elapses
// with the outcome still unknown.
func (c *Confirmer) Confirm(ctx context.Context, sig solana.Signature) (Confirmation, error) {
	target := c.Target
	if target == "" {
		target = CommitmentConfirmed
	}
	pollCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	for attempt := 1; ; attempt++ {
		status, err := c.Client.GetSignatureStatus(pollCtx, sig)
		switch {
		case err != nil:
			log.Debug().Err(err).Int("attempt", attempt).Str("signature", sig.String()).
				Msg("ledger.Confirmer.Confirm status poll failed")
		case status != nil && status.Err != "":
			return Confirmation{Signature: sig, Slot: status.Slot, Err: status.Err}, nil
		case status != nil && status.Commitment.Reached(target):
			return Confirmation{Signature: sig, Slot: status.Slot}, nil
		}

		var remaining time.Duration
		if deadline, ok := pollCtx.Deadline(); ok {
			remaining = time.Until(deadline)
		}
		timer := time.NewTimer(c.Backoff.PollDelay(attempt, remaining, c.rng))
		select {
		case <-pollCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return Confirmation{}, ctx.Err()
			}
			return Confirmation{}, fmt.Errorf("%w: %s after %s", ErrConfirmTimeout, sig, c.Timeout)
		case <-timer.C:
		}
	}
}
