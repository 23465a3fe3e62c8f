// This is a http type of reporter.
// It publishes listener status, reserve quotes and bridge transactions on
// http routes, and takes redemption retries and transfer metadata from operators.

package reporter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/common"
	"github.com/TEENet-io/zenz-bridge/listener"
	"github.com/TEENet-io/zenz-bridge/reserve"
	"github.com/TEENet-io/zenz-bridge/resilience"
	"github.com/TEENet-io/zenz-bridge/settlement"
	"github.com/TEENet-io/zenz-bridge/state"
	"github.com/TEENet-io/zenz-bridge/transfermeta"
)

const (
	ROUTE_HELLO        = "/hello"
	ROUTE_STATUS       = "/status"
	ROUTE_REDEMPTION   = "/redemption"
	ROUTE_RESERVE      = "/reserve"
	ROUTE_TRANSFERS    = "/transfers"
	ROUTE_TRANSACTIONS = "/transactions"
	ROUTE_METRICS      = "/metrics"
	ROUTE_PAUSE        = "/pause"
	ROUTE_MAX_PAYOUT   = "/max-payout"
)

// Sources are the upstream data behind the routes.
type Sources struct {
	Listeners []*listener.Listener
	Service   *settlement.Service
	Reserve   *reserve.Manager
	States    *state.StateDB
	Meta      *transfermeta.Store
	Guards    *settlement.Guards
}

type HttpReporter struct {
	serverIP   string // listen ip
	serverPort string // listen port

	src Sources
}

func NewHttpReporter(serverIP string, serverPort string, src Sources) *HttpReporter {
	return &HttpReporter{
		serverIP:   serverIP,
		serverPort: serverPort,
		src:        src,
	}
}

type StatusResponse struct {
	Listeners []listener.Status    `json:"listeners"`
	Paused    bool                 `json:"paused"`
	Counts    map[state.Status]int `json:"transactions"`
}

type PauseRequest struct {
	Paused *bool `json:"paused"`
}

type MaxPayoutRequest struct {
	Amount string `json:"amount"` // "0" removes the limit
}

type GuardsResponse struct {
	Paused         bool   `json:"paused"`
	MaxPayoutPerTx string `json:"maxPayoutPerTx"`
}

// Hook up routes & handlers
func (h *HttpReporter) SetupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET(ROUTE_HELLO, Hello)
	router.GET(ROUTE_STATUS, h.Status)
	router.POST(ROUTE_REDEMPTION, h.Redemption)
	router.GET(ROUTE_RESERVE, h.CheckReserve)
	router.GET(ROUTE_RESERVE+"/:asset", h.ReserveSnapshot)
	router.POST(ROUTE_TRANSFERS, h.RecordTransfer)
	router.GET(ROUTE_TRANSACTIONS+"/:id", h.Transaction)
	router.GET(ROUTE_METRICS, gin.WrapH(promhttp.Handler()))
	router.POST(ROUTE_PAUSE, h.Pause)
	router.POST(ROUTE_MAX_PAYOUT, h.MaxPayout)

	return router
}

// Run serves until ctx is done.
func (h *HttpReporter) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.serverIP + ":" + h.serverPort,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("http reporter listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Example route.
func Hello(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "world",
	})
}

func (h *HttpReporter) Status(c *gin.Context) {
	resp := StatusResponse{Listeners: make([]listener.Status, 0, len(h.src.Listeners))}
	for _, l := range h.src.Listeners {
		resp.Listeners = append(resp.Listeners, l.Status())
	}
	if h.src.Guards != nil {
		resp.Paused = h.src.Guards.Paused()
	}

	counts, err := h.src.States.CountByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp.Counts = counts
	c.JSON(http.StatusOK, resp)
}

// Redemption runs a chain transaction through the settlement pipeline.
// Terminal rejections are 422, retryable trouble is 503 with the result.
func (h *HttpReporter) Redemption(c *gin.Context) {
	var params settlement.RedemptionParams
	if err := c.ShouldBindJSON(&params); err != nil || params.Signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature must be provided"})
		return
	}

	res, err := h.src.Service.ProcessRedemption(c.Request.Context(), params)
	if err == nil {
		c.JSON(http.StatusOK, res)
		return
	}
	if res == nil || resilience.IsTerminal(err) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "result": res})
}

func (h *HttpReporter) CheckReserve(c *gin.Context) {
	asset, err := agreement.ParseAsset(c.Query("asset"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := common.ParseAmount(c.Query("amount"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	check, err := h.src.Reserve.CheckReserve(c.Request.Context(), asset, amount)
	if errors.Is(err, reserve.ErrUnknownAsset) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, check.ToJSON())
}

func (h *HttpReporter) ReserveSnapshot(c *gin.Context) {
	asset, err := agreement.ParseAsset(c.Param("asset"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := h.src.Reserve.Snapshot(c.Request.Context(), asset)
	if errors.Is(err, reserve.ErrUnknownAsset) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap.ToJSON())
}

// RecordTransfer stores the metadata of a transfer initiated elsewhere.
func (h *HttpReporter) RecordTransfer(c *gin.Context) {
	var j agreement.JSONTransferMetadata
	if err := c.ShouldBindJSON(&j); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := transfermeta.FromJSON(&j)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = h.src.Meta.Put(c.Request.Context(), m)
	switch {
	case errors.Is(err, transfermeta.ErrConflictingMetadata):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, transfermeta.ErrEmptySignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, j)
	}
}

func (h *HttpReporter) Transaction(c *gin.Context) {
	t, found, err := h.src.States.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "No transaction found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": t.ToJSON()})
}

func (h *HttpReporter) guards() GuardsResponse {
	return GuardsResponse{
		Paused:         h.src.Guards.Paused(),
		MaxPayoutPerTx: h.src.Guards.MaxPerTx().String(),
	}
}

// Pause stops or resumes settlement on every orchestrator.
func (h *HttpReporter) Pause(c *gin.Context) {
	if h.src.Guards == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "guards not configured"})
		return
	}
	var req PauseRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Paused == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "paused must be provided"})
		return
	}
	h.src.Guards.SetPaused(*req.Paused)
	c.JSON(http.StatusOK, h.guards())
}

// MaxPayout changes the largest amount settled by one transaction.
func (h *HttpReporter) MaxPayout(c *gin.Context) {
	if h.src.Guards == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "guards not configured"})
		return
	}
	var req MaxPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.src.Guards.SetMaxPerTx(limit); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.guards())
}
