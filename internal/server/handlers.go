package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/satspos/internal/boltcard"
	"github.com/mbd888/satspos/internal/invoice"
	"github.com/mbd888/satspos/internal/logging"
	"github.com/mbd888/satspos/internal/money"
)

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "degraded"
		}
	}

	// Every registered subsystem has a poll or offline fallback, so a
	// failing check degrades the terminal without taking it down.
	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Terminal
// -----------------------------------------------------------------------------

// terminalStateHandler returns the full snapshot the front end renders from.
func (s *Server) terminalStateHandler(c *gin.Context) {
	resp := gin.H{
		"state":         s.machine.State(),
		"entry":         s.entry.String(),
		"currency":      s.currency.Code,
		"tipPresets":    s.cfg.TipPresets,
		"pushConnected": s.detector.Connected(),
		// Lets the front end offer the manual reconnect hatch once
		// the automatic budget is spent.
		"reconnectAttempts": s.detector.ReconnectAttempts(),
		"activeView":        s.nav.Active(),
	}
	if inv := s.machine.Current(); inv != nil {
		resp["invoice"] = inv
		resp["qr"] = inv.QRPayload()
	}
	if rate := s.rateCache.Current(); rate != nil {
		resp["rate"] = rate
	}
	if s.bridge != nil {
		resp["nfcAvailable"] = s.bridge.Available()
	}
	if err := s.machine.LastError(); err != nil && s.machine.State() == invoice.StateFailed {
		resp["lastError"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// focusHandler arms the one-shot poll check after the front end regains
// focus. Always 202; the check result arrives on the event stream.
func (s *Server) focusHandler(c *gin.Context) {
	s.detector.NotifyFocus(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"status": "poll_armed"})
}

func (s *Server) keyHandler(c *gin.Context) {
	var req struct {
		Key string `json:"key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Provide {\"key\": \"...\"}",
		})
		return
	}

	handled := s.nav.Dispatch(req.Key)
	c.JSON(http.StatusOK, gin.H{
		"handled": handled,
		"entry":   s.entry.String(),
		"state":   s.machine.State(),
	})
}

// reconnectHandler restarts the push channel after the automatic
// reconnect budget is spent.
func (s *Server) reconnectHandler(c *gin.Context) {
	if s.cfg.PushURL == "" {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "push_disabled",
			"message": "No push channel is configured",
		})
		return
	}
	s.detector.Reconnect()
	c.JSON(http.StatusAccepted, gin.H{"status": "reconnecting"})
}

// -----------------------------------------------------------------------------
// Invoice
// -----------------------------------------------------------------------------

func (s *Server) getInvoiceHandler(c *gin.Context) {
	inv := s.machine.Current()
	if inv == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "no_invoice",
			"message": "No invoice is outstanding",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"invoice": inv,
		"qr":      inv.QRPayload(),
	})
}

func (s *Server) submitInvoiceHandler(c *gin.Context) {
	var req struct {
		Amount float64 `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Provide {\"amount\": ...}",
		})
		return
	}

	if err := s.machine.Submit(c.Request.Context(), req.Amount); err != nil {
		s.renderMachineError(c, err)
		return
	}

	s.renderAccepted(c)
}

func (s *Server) selectSplitHandler(c *gin.Context) {
	var req struct {
		TipPercent *int `json:"tipPercent" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || *req.TipPercent < 0 || *req.TipPercent > 100 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Provide {\"tipPercent\": 0-100}",
		})
		return
	}

	if err := s.machine.SelectSplit(c.Request.Context(), *req.TipPercent); err != nil {
		s.renderMachineError(c, err)
		return
	}

	s.renderAccepted(c)
}

func (s *Server) cancelInvoiceHandler(c *gin.Context) {
	if err := s.machine.Cancel(c.Request.Context()); err != nil {
		s.renderMachineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.machine.State()})
}

func (s *Server) ackFailureHandler(c *gin.Context) {
	if err := s.machine.AcknowledgeFailure(); err != nil {
		s.renderMachineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.machine.State()})
}

// renderAccepted returns the post-transition snapshot. The split detour
// and the created invoice both land here.
func (s *Server) renderAccepted(c *gin.Context) {
	resp := gin.H{"state": s.machine.State()}
	if inv := s.machine.Current(); inv != nil {
		resp["invoice"] = inv
		resp["qr"] = inv.QRPayload()
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) renderMachineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, invoice.ErrInvoiceOutstanding):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invoice_outstanding",
			"message": "Another invoice is already in flight",
		})
	case errors.Is(err, invoice.ErrNoSplitPending):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_split_pending",
			"message": "No split selection is pending",
		})
	case errors.Is(err, invoice.ErrNothingOutstanding):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "nothing_outstanding",
			"message": "Nothing to cancel",
		})
	case errors.Is(err, invoice.ErrNotFailed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_failed",
			"message": "No failure to acknowledge",
		})
	case errors.Is(err, invoice.ErrInvalidAmount), errors.Is(err, money.ErrAmountTooSmall):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount is not chargeable",
		})
	case errors.Is(err, money.ErrRateUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "rate_unavailable",
			"message": "No exchange rate is available yet",
		})
	case errors.Is(err, invoice.ErrCreationFailed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "creation_failed",
			"message": "Invoice creation failed",
		})
	default:
		logging.L(c.Request.Context()).Error("unexpected machine error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}

// -----------------------------------------------------------------------------
// Rates
// -----------------------------------------------------------------------------

func (s *Server) ratesHandler(c *gin.Context) {
	rate := s.rateCache.Current()
	if rate == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "rate_unavailable",
			"message": "No exchange rate is available yet",
		})
		return
	}
	c.JSON(http.StatusOK, rate)
}

// -----------------------------------------------------------------------------
// NFC
// -----------------------------------------------------------------------------

func (s *Server) nfcPermissionHandler(c *gin.Context) {
	var req struct {
		Granted *bool `json:"granted" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Provide {\"granted\": true|false}",
		})
		return
	}
	s.bridge.PermissionChanged(*req.Granted)
	c.JSON(http.StatusOK, gin.H{"available": s.bridge.Available()})
}

func (s *Server) nfcScanHandler(c *gin.Context) {
	if err := s.bridge.ActivateScan(c.Request.Context()); err != nil {
		if errors.Is(err, boltcard.ErrNFCUnavailable) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "nfc_unavailable",
				"message": "NFC permission has not been granted",
			})
			return
		}
		logging.L(c.Request.Context()).Error("scan activation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to activate scanning",
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "scanning"})
}

type nfcRecordRequest struct {
	Encoding string `json:"encoding"` // "utf-8", "utf-16", "utf-16be", "utf-16le"
	Lang     string `json:"lang"`
	Payload  []byte `json:"payload"` // base64 in JSON
}

func (s *Server) nfcTagHandler(c *gin.Context) {
	var req struct {
		ID      string             `json:"id"`
		Records []nfcRecordRequest `json:"records" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Provide {\"records\": [{\"encoding\", \"payload\"}]}",
		})
		return
	}

	tag := boltcard.Tag{ID: req.ID}
	for _, r := range req.Records {
		tag.Records = append(tag.Records, boltcard.Record{
			Encoding: r.Encoding,
			Lang:     r.Lang,
			Data:     r.Payload,
		})
	}

	if !s.nfcFeed.Feed(tag) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "scan_inactive",
			"message": "Scanning is not active",
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
}
