package api

import (
	"errors"
	"net/http"

	"github.com/danmuck/marketctl/internal/config"
	"github.com/danmuck/marketctl/internal/mutate"
	"github.com/danmuck/marketctl/internal/programs/bubblegum"
	"github.com/danmuck/marketctl/internal/provision"
	"github.com/danmuck/marketctl/internal/txn"
	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
)

type stepErrorView struct {
	Step      string   `json:"step"`
	Kind      string   `json:"kind"`
	Message   string   `json:"message"`
	Signature string   `json:"signature,omitempty"`
	Explorer  string   `json:"explorer,omitempty"`
	Logs      []string `json:"logs,omitempty"`
	Retryable bool     `json:"retryable"`
	Fatal     bool     `json:"fatal"`
}

type sessionView struct {
	ID            string                    `json:"id"`
	Step          string                    `json:"step"`
	Busy          bool                      `json:"busy"`
	Network       config.Network            `json:"network"`
	NetworkReady  bool                      `json:"networkReady"`
	Identity      string                    `json:"identity,omitempty"`
	Authority     string                    `json:"authority,omitempty"`
	AuthorityName string                    `json:"authorityName,omitempty"`
	Collection    string                    `json:"collection,omitempty"`
	Tree          string                    `json:"tree,omitempty"`
	TreePreset    uint64                    `json:"treePreset,omitempty"`
	Verified      bool                      `json:"verified"`
	Fatal         bool                      `json:"fatal"`
	Signatures    map[string]string         `json:"signatures,omitempty"`
	LastError     *stepErrorView            `json:"lastError,omitempty"`
	Config        *provision.ExportedConfig `json:"config,omitempty"`
	Proposal      *proposalView             `json:"proposal,omitempty"`
}

type proposalView struct {
	Collection     string `json:"collection,omitempty"`
	CollectionName string `json:"collectionName,omitempty"`
	CollectionURI  string `json:"collectionUri,omitempty"`
	Tree           string `json:"tree,omitempty"`
	TreeLeaves     uint64 `json:"treeLeaves,omitempty"`
}

func keyString(k solana.PublicKey) string {
	if k == (solana.PublicKey{}) {
		return ""
	}
	return k.String()
}

func viewSession(s provision.Session) sessionView {
	out := sessionView{
		ID:            s.ID,
		Step:          s.Step.String(),
		Busy:          s.Busy,
		Network:       s.Network,
		NetworkReady:  s.NetworkReady,
		Identity:      keyString(s.Identity),
		Authority:     keyString(s.Authority),
		AuthorityName: s.AuthorityName,
		Collection:    keyString(s.Collection),
		Tree:          keyString(s.Tree),
		TreePreset:    s.TreePreset,
		Verified:      s.Verified,
		Fatal:         s.Fatal,
		Config:        s.Config,
	}
	if len(s.Signatures) > 0 {
		out.Signatures = make(map[string]string, len(s.Signatures))
		for step, sig := range s.Signatures {
			out.Signatures[step.String()] = sig.String()
		}
	}
	if s.LastError != nil {
		v := viewStepError(s.Network, s.LastError)
		out.LastError = &v
	}
	if p := s.Proposal; p != nil {
		out.Proposal = &proposalView{
			Collection:     keyString(p.Collection),
			CollectionName: p.CollectionName,
			CollectionURI:  p.CollectionURI,
			Tree:           keyString(p.Tree),
			TreeLeaves:     p.TreeLeaves,
		}
	}
	return out
}

func viewStepError(network config.Network, e *provision.StepError) stepErrorView {
	v := stepErrorView{
		Step:      e.Step.String(),
		Message:   e.Message,
		Logs:      e.Logs,
		Retryable: e.Retryable,
		Fatal:     e.Fatal,
	}
	if e.Kind != nil {
		v.Kind = e.Kind.Error()
	}
	if !e.Signature.IsZero() {
		v.Signature = e.Signature.String()
		v.Explorer = network.ExplorerTxURL(v.Signature)
	}
	return v
}

type presetView struct {
	MaxLeaves        uint64  `json:"maxLeaves"`
	MaxDepth         uint32  `json:"maxDepth"`
	CanopyDepth      uint32  `json:"canopyDepth"`
	MaxBufferSize    uint32  `json:"maxBufferSize"`
	EstimatedCostSol float64 `json:"estimatedCost"`
	CostPerUnit      float64 `json:"costPerUnit"`
	Default          bool    `json:"default"`
}

func viewPresets() []presetView {
	presets := bubblegum.Presets()
	out := make([]presetView, 0, len(presets))
	for _, p := range presets {
		out = append(out, presetView{
			MaxLeaves:        p.MaxLeaves,
			MaxDepth:         p.MaxDepth,
			CanopyDepth:      p.CanopyDepth,
			MaxBufferSize:    p.MaxBufferSize,
			EstimatedCostSol: p.EstimatedCostSol,
			CostPerUnit:      p.CostPerUnit,
			Default:          p.MaxLeaves == bubblegum.DefaultPresetLeaves,
		})
	}
	return out
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, provision.ErrInvalidInput), errors.Is(err, mutate.ErrInvalidInput),
		errors.Is(err, config.ErrUnknownNetwork):
		return http.StatusBadRequest
	case errors.Is(err, mutate.ErrForeignMarket):
		return http.StatusForbidden
	case errors.Is(err, mutate.ErrNoAuthority), errors.Is(err, mutate.ErrMarketNotFound),
		errors.Is(err, provision.ErrMissingResource):
		return http.StatusNotFound
	case errors.Is(err, provision.ErrBusy), errors.Is(err, provision.ErrOutOfOrder),
		errors.Is(err, provision.ErrHalted), errors.Is(err, provision.ErrNotComplete),
		errors.Is(err, provision.ErrWalletRequired), errors.Is(err, mutate.ErrWalletRequired),
		errors.Is(err, mutate.ErrNotVerified), errors.Is(err, mutate.ErrMarketResolved),
		errors.Is(err, mutate.ErrUnchangedValue), errors.Is(err, txn.ErrSignRejected),
		errors.Is(err, txn.ErrSignerUnavailable):
		return http.StatusConflict
	case errors.Is(err, provision.ErrVerificationMismatch), errors.Is(err, provision.ErrInvariantViolation),
		errors.Is(err, txn.ErrSimulationFailed), errors.Is(err, txn.ErrConfirmFailed),
		errors.Is(err, mutate.ErrMissingAccounts):
		return http.StatusUnprocessableEntity
	case errors.Is(err, provision.ErrNetworkNotReady), errors.Is(err, provision.ErrLedgerRead),
		errors.Is(err, mutate.ErrLedgerRead), errors.Is(err, txn.ErrSubmitFailed):
		return http.StatusBadGateway
	case errors.Is(err, txn.ErrConfirmTimeout), errors.Is(err, provision.ErrCreatedUnverifiable):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with whatever structure it carries.
func respondError(c *gin.Context, network config.Network, err error) {
	body := gin.H{"error": err.Error()}
	var serr *provision.StepError
	var terr *txn.Error
	switch {
	case errors.As(err, &serr):
		body["step"] = viewStepError(network, serr)
	case errors.As(err, &terr):
		body["retryable"] = terr.Retryable()
		if len(terr.Logs) > 0 {
			body["logs"] = terr.Logs
		}
		if terr.HasSignature() {
			body["signature"] = terr.Signature.String()
			body["explorer"] = network.ExplorerTxURL(terr.Signature.String())
		}
	}
	c.JSON(statusFor(err), body)
}
