package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/marketctl/internal/config"
	"github.com/danmuck/marketctl/internal/mutate"
	"github.com/danmuck/marketctl/internal/provision"
	"github.com/danmuck/marketctl/internal/wallet"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultListLimit = 50

type networkRequest struct {
	Network string `json:"network"`
}

type authorityRequest struct {
	Name         string `json:"name"`
	FeeRecipient string `json:"feeRecipient"`
	FeePercent   string `json:"feePercent"`
}

type collectionRequest struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

type treeRequest struct {
	MaxLeaves uint64 `json:"maxLeaves"`
}

type verifyRequest struct {
	Collection string `json:"collection"`
	Tree       string `json:"tree"`
}

type feeRecipientRequest struct {
	FeeRecipient string `json:"feeRecipient"`
}

type feeRateRequest struct {
	FeePercent string `json:"feePercent"`
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
}

func (s *Server) registerRoutes(guard gin.HandlerFunc) {
	s.router.GET("/health", func(c *gin.Context) {
		session := s.machine.Session()
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  s.now().Sub(s.started).String(),
			"network": session.Network,
			"ready":   session.NetworkReady,
			"service": "marketctl-api",
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes := s.router.Group("/")
	if guard != nil {
		routes.Use(guard)
	}

	routes.GET("/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, viewSession(s.machine.Session()))
	})
	routes.POST("/session/network", s.selectNetwork)
	routes.POST("/session/resume", s.resume)
	routes.POST("/session/adopt", func(c *gin.Context) {
		s.respondSession(c)(s.machine.Adopt(c.Request.Context()))
	})
	routes.POST("/session/reset", func(c *gin.Context) {
		s.respondSession(c)(s.machine.Reset())
	})

	steps := routes.Group("/steps")
	steps.POST("/authority", func(c *gin.Context) {
		var req authorityRequest
		if !bind(c, &req) {
			return
		}
		s.respondSession(c)(s.machine.CreateAuthority(c.Request.Context(), provision.AuthorityInput{
			Name:         req.Name,
			FeeRecipient: req.FeeRecipient,
			FeePercent:   req.FeePercent,
		}))
	})
	steps.POST("/collection", func(c *gin.Context) {
		var req collectionRequest
		if !bind(c, &req) {
			return
		}
		s.respondSession(c)(s.machine.CreateCollection(c.Request.Context(), provision.CollectionInput{Name: req.Name, URI: req.URI}))
	})
	steps.POST("/tree", func(c *gin.Context) {
		var req treeRequest
		if !bind(c, &req) {
			return
		}
		s.respondSession(c)(s.machine.CreateTree(c.Request.Context(), provision.TreeInput{MaxLeaves: req.MaxLeaves}))
	})
	steps.POST("/verify", func(c *gin.Context) {
		var req verifyRequest
		if !bind(c, &req) {
			return
		}
		s.respondSession(c)(s.machine.Verify(c.Request.Context(), provision.VerifyInput{Collection: req.Collection, Tree: req.Tree}))
	})
	steps.POST("/validate", func(c *gin.Context) {
		s.respondSession(c)(s.machine.Validate(c.Request.Context()))
	})

	routes.GET("/export", s.export)
	routes.POST("/export", s.writeExport)
	routes.GET("/presets", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"presets": viewPresets()})
	})

	manage := routes.Group("/manage")
	manage.GET("", func(c *gin.Context) {
		out, err := s.mutations.Overview(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	})
	manage.POST("/fee-recipient", func(c *gin.Context) {
		var req feeRecipientRequest
		if !bind(c, &req) {
			return
		}
		s.respondReceipt(c)(s.mutations.UpdateFeeRecipient(c.Request.Context(), req.FeeRecipient))
	})
	manage.POST("/fee-rate", func(c *gin.Context) {
		var req feeRateRequest
		if !bind(c, &req) {
			return
		}
		s.respondReceipt(c)(s.mutations.UpdateFeeRate(c.Request.Context(), req.FeePercent))
	})

	routes.GET("/markets", func(c *gin.Context) {
		markets, err := s.mutations.ListMarkets(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"markets": markets})
	})
	routes.POST("/markets", func(c *gin.Context) {
		var req mutate.MarketInput
		if !bind(c, &req) {
			return
		}
		s.respondReceipt(c)(s.mutations.CreateMarket(c.Request.Context(), req))
	})
	routes.POST("/markets/:id/resolve", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "market id must be a number"})
			return
		}
		var req resolveRequest
		if !bind(c, &req) {
			return
		}
		outcome, err := mutate.ParseOutcome(req.Outcome)
		if err != nil {
			s.fail(c, err)
			return
		}
		s.respondReceipt(c)(s.mutations.ResolveMarket(c.Request.Context(), id, outcome))
	})

	if s.journal != nil {
		routes.GET("/journal/submissions", s.submissions)
		routes.GET("/journal/exports", func(c *gin.Context) {
			exports, err := s.journal.Exports(c.Request.Context(), limit(c))
			if err != nil {
				s.fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"exports": exports})
		})
	}
}

func bind(c *gin.Context, out any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func limit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return n
}

func (s *Server) fail(c *gin.Context, err error) {
	respondError(c, s.machine.Session().Network, err)
}

// respondSession writes the session on success and the step error, with the
// session it left behind, on failure.
func (s *Server) respondSession(c *gin.Context) func(provision.Session, error) {
	return func(session provision.Session, err error) {
		if err != nil {
			status := statusFor(err)
			body := gin.H{"error": err.Error(), "session": viewSession(session)}
			if session.LastError != nil {
				body["step"] = viewStepError(session.Network, session.LastError)
			}
			c.JSON(status, body)
			return
		}
		c.JSON(http.StatusOK, viewSession(session))
	}
}

func (s *Server) respondReceipt(c *gin.Context) func(mutate.Receipt, error) {
	return func(receipt mutate.Receipt, err error) {
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, receipt)
	}
}

func (s *Server) selectNetwork(c *gin.Context) {
	var req networkRequest
	if !bind(c, &req) {
		return
	}
	network, err := config.ParseNetwork(req.Network)
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := s.machine.SelectNetwork(network); err != nil {
		s.respondSession(c)(s.machine.Session(), err)
		return
	}
	s.respondSession(c)(s.machine.CheckNetwork(c.Request.Context()))
}

// resume attaches the server wallet on first use and re-derives the step
// from the ledger afterwards.
func (s *Server) resume(c *gin.Context) {
	ctx := c.Request.Context()
	if !wallet.Connected(s.machine.Wallet()) {
		s.respondSession(c)(s.machine.Connect(ctx, s.wallet))
		return
	}
	s.respondSession(c)(s.machine.Resume(ctx))
}

func (s *Server) export(c *gin.Context) {
	cfg, err := s.machine.Export()
	if err != nil {
		s.fail(c, err)
		return
	}
	file := provision.NewExportFile(cfg, s.now())
	switch strings.ToLower(c.DefaultQuery("format", "json")) {
	case "json":
		c.Header("Content-Disposition", `attachment; filename="`+provision.ExportFileName(s.now())+`"`)
		c.JSON(http.StatusOK, file)
	case "toml":
		data, err := file.RenderTOML()
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Data(http.StatusOK, "application/toml", data)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be json or toml"})
	}
}

// writeExport writes the artifact next to the server and journals the path.
func (s *Server) writeExport(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	path, err := s.machine.WriteExport(ctx, s.exportDir, c.DefaultQuery("format", "json"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

func (s *Server) submissions(c *gin.Context) {
	ctx := c.Request.Context()
	if sig := strings.TrimSpace(c.Query("signature")); sig != "" {
		hits, err := s.journal.Lookup(ctx, sig)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"submissions": hits})
		return
	}
	list, err := s.journal.Submissions(ctx, limit(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submissions": list})
}
