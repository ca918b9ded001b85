// Package server exposes the coordinator, feedback service, and discovery
// client to the browser front-end over HTTP.
package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cds-client/internal/cdshooks"
	"github.com/ehr/cds-client/internal/coordinator"
	"github.com/ehr/cds-client/internal/discovery"
	"github.com/ehr/cds-client/internal/feedback"
)

// Handler wires the CDS client API routes.
type Handler struct {
	coord  *coordinator.Coordinator
	fb     *feedback.Service
	disc   *discovery.Client
	logger zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(coord *coordinator.Coordinator, fb *feedback.Service, disc *discovery.Client, logger zerolog.Logger) *Handler {
	return &Handler{coord: coord, fb: fb, disc: disc, logger: logger}
}

// RegisterRoutes binds all API routes to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hooks/:hookType/execute", h.ExecuteHook)
	g.GET("/alerts", h.ListAllAlerts)
	g.GET("/alerts/:hookType", h.ListAlerts)
	g.DELETE("/alerts/:hookType", h.ClearAlerts)
	g.POST("/alerts/patient", h.SetPatient)
	g.POST("/alerts/cards/:uuid/ack", h.AcknowledgeCard)
	g.POST("/alerts/cards/:uuid/snooze", h.SnoozeCard)
	g.POST("/feedback", h.SendFeedback)
	g.POST("/feedback/bulk", h.SendFeedbackBulk)
	g.GET("/services", h.ListServices)
	g.POST("/services/refresh", h.RefreshServices)
}

// executeRequest is the JSON body for hook execution.
type executeRequest struct {
	Context map[string]any `json:"context"`
}

// ExecuteHook handles POST /hooks/:hookType/execute.
func (h *Handler) ExecuteHook(c echo.Context) error {
	hookType := c.Param("hookType")
	if !cdshooks.IsKnownHook(hookType) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown hook type: "+hookType)
	}

	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}

	executed := h.coord.Execute(c.Request().Context(), hookType, req.Context)
	return c.JSON(http.StatusOK, map[string]any{
		"executed": executed,
		"cards":    h.coord.Alerts(hookType),
	})
}

// ListAllAlerts handles GET /alerts.
func (h *Handler) ListAllAlerts(c echo.Context) error {
	return c.JSON(http.StatusOK, h.coord.AllAlerts())
}

// ListAlerts handles GET /alerts/:hookType.
func (h *Handler) ListAlerts(c echo.Context) error {
	hookType := c.Param("hookType")
	if !cdshooks.IsKnownHook(hookType) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown hook type: "+hookType)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"hookType": hookType,
		"cards":    h.coord.Alerts(hookType),
	})
}

// ClearAlerts handles DELETE /alerts/:hookType.
func (h *Handler) ClearAlerts(c echo.Context) error {
	hookType := c.Param("hookType")
	if !cdshooks.IsKnownHook(hookType) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown hook type: "+hookType)
	}
	h.coord.ClearAlerts(hookType)
	return c.NoContent(http.StatusNoContent)
}

// patientRequest is the JSON body for a patient context switch.
type patientRequest struct {
	PatientID string `json:"patientId"`
	UserID    string `json:"userId"`
}

// SetPatient handles POST /alerts/patient.
func (h *Handler) SetPatient(c echo.Context) error {
	var req patientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patientId is required")
	}

	executed := h.coord.SetPatient(c.Request().Context(), req.PatientID, req.UserID)
	return c.JSON(http.StatusOK, map[string]any{
		"patientId": req.PatientID,
		"executed":  executed,
		"cards":     h.coord.Alerts(cdshooks.HookPatientView),
	})
}

// AcknowledgeCard handles POST /alerts/cards/:uuid/ack.
func (h *Handler) AcknowledgeCard(c echo.Context) error {
	if !h.coord.Acknowledge(c.Param("uuid")) {
		return echo.NewHTTPError(http.StatusNotFound, "card not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// snoozeRequest is the JSON body for snoozing a card.
type snoozeRequest struct {
	DurationSeconds int `json:"durationSeconds"`
}

// SnoozeCard handles POST /alerts/cards/:uuid/snooze.
func (h *Handler) SnoozeCard(c echo.Context) error {
	var req snoozeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.DurationSeconds <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "durationSeconds must be positive")
	}
	if !h.coord.Snooze(c.Param("uuid"), time.Duration(req.DurationSeconds)*time.Second) {
		return echo.NewHTTPError(http.StatusNotFound, "card not found or not snoozable")
	}
	return c.NoContent(http.StatusNoContent)
}

// SendFeedback handles POST /feedback.
func (h *Handler) SendFeedback(c echo.Context) error {
	var req feedback.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ok := h.fb.Send(c.Request().Context(), req)
	return c.JSON(http.StatusOK, map[string]any{"sent": ok})
}

// bulkFeedbackRequest is the JSON body for bulk feedback.
type bulkFeedbackRequest struct {
	Items []feedback.Request `json:"items"`
}

// SendFeedbackBulk handles POST /feedback/bulk.
func (h *Handler) SendFeedbackBulk(c echo.Context) error {
	var req bulkFeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res := h.fb.SendBulk(c.Request().Context(), req.Items)
	return c.JSON(http.StatusOK, res)
}

// ListServices handles GET /services.
func (h *Handler) ListServices(c echo.Context) error {
	services, err := h.disc.Discover(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "service discovery unavailable")
	}
	return c.JSON(http.StatusOK, cdshooks.DiscoveryResponse{Services: services})
}

// RefreshServices handles POST /services/refresh.
func (h *Handler) RefreshServices(c echo.Context) error {
	h.disc.Invalidate()
	services, err := h.disc.Discover(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "service discovery unavailable")
	}
	return c.JSON(http.StatusOK, cdshooks.DiscoveryResponse{Services: services})
}
