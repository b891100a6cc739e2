// Package dashboard serves a read-only JSON API over the latest finished
// run.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"hvcollector/config"
	"hvcollector/internal/pipeline"
	"hvcollector/logger"
	"hvcollector/models"
)

// Server hosts the results API.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	runs       *runStore
	logStore   *logStore
	httpServer *http.Server
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:      cfg,
		log:      log,
		runs:     &runStore{},
		logStore: logStore,
	}
}

// Publish makes res the run served by the API.
func (s *Server) Publish(res *pipeline.Result) {
	if s == nil || res == nil {
		return
	}
	s.runs.publish(res)
	s.log.WithComponent("dashboard").WithFields(logger.Fields{"run_id": res.RunID}).Info("run published")
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.logStore.close()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

type runView struct {
	App        string           `json:"app"`
	RunID      string           `json:"run_id"`
	From       string           `json:"from"`
	To         string           `json:"to"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Windows    []int            `json:"windows"`
	Composites [][2]int         `json:"composites"`
	Assets     []assetView      `json:"assets"`
	Totals     logger.RunTotals `json:"totals"`
	Omissions  int              `json:"omissions"`
}

type assetView struct {
	Symbol   string           `json:"symbol"`
	State    string           `json:"state"`
	Provider models.Provider  `json:"provider,omitempty"`
	Records  int              `json:"records"`
	Attempts []models.Attempt `json:"attempts"`
	Error    string           `json:"error,omitempty"`
}

func newRunView(app string, res *pipeline.Result) runView {
	v := runView{
		App:        app,
		RunID:      res.RunID,
		From:       res.Range.From.Format(time.DateOnly),
		To:         res.Range.To.Format(time.DateOnly),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Windows:    res.Windows,
		Composites: res.Composites,
		Totals:     res.Totals,
		Omissions:  len(res.Omissions),
	}
	for _, a := range res.Assets {
		av := assetView{Symbol: a.Asset.Symbol, Records: len(a.Records)}
		if a.Resolution != nil {
			av.State = string(a.Resolution.State)
			av.Provider = a.Resolution.Provider
			av.Attempts = a.Resolution.Attempts
		}
		if a.Err != nil {
			av.Error = a.Err.Error()
		}
		v.Assets = append(v.Assets, av)
	}
	return v
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "has_run": s.runs.get() != nil})
	})

	api := router.Group("/api")
	api.Use(s.requireRun)

	api.GET("/run", func(c *gin.Context) {
		c.JSON(http.StatusOK, newRunView(appName, currentRun(c)))
	})

	api.GET("/summaries", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"summaries": currentRun(c).Summaries()})
	})

	api.GET("/assets/:symbol/records", func(c *gin.Context) {
		symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
		a, ok := currentRun(c).Asset(symbol)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown asset " + symbol})
			return
		}
		records := a.Records
		if records == nil {
			records = []models.VolatilityRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"asset": symbol, "records": records, "summary": a.Summary})
	})

	api.GET("/omissions", func(c *gin.Context) {
		omissions := currentRun(c).Omissions
		if omissions == nil {
			omissions = []models.Omission{}
		}
		c.JSON(http.StatusOK, gin.H{"omissions": omissions})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	return router, nil
}

const runKey = "run"

// requireRun answers 503 until the first run has been published and pins
// the run for the rest of the request.
func (s *Server) requireRun(c *gin.Context) {
	res := s.runs.get()
	if res == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "no run has finished yet"})
		return
	}
	c.Set(runKey, res)
	c.Next()
}

func currentRun(c *gin.Context) *pipeline.Result {
	return c.MustGet(runKey).(*pipeline.Result)
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
