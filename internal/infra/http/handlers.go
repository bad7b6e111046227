package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"freightd/internal/domain"
	"freightd/internal/usecase"
)

// actorHeader names the header the auth collaborator in front of this
// service populates with the verified caller identity.
const actorHeader = "X-Actor"

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createShipmentRequest struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
}

type recordStatusRequest struct {
	Status     string            `json:"status"`
	LocationID string            `json:"locationId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type recordPingRequest struct {
	LocationID string `json:"locationId"`
}

type eventResponse struct {
	ID         string            `json:"id"`
	ShipmentID string            `json:"shipmentId"`
	Seq        int64             `json:"seq"`
	Status     string            `json:"status"`
	LocationID string            `json:"locationId,omitempty"`
	RecordedAt time.Time         `json:"recordedAt"`
	RecordedBy string            `json:"recordedBy,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Anchored   bool              `json:"anchored"`
}

type anchorResponse struct {
	ID             string     `json:"id"`
	EventID        string     `json:"eventId"`
	State          string     `json:"state"`
	ProviderHandle string     `json:"providerHandle,omitempty"`
	PayloadHash    string     `json:"payloadHash"`
	Attempts       int        `json:"attempts"`
	NextAttemptAt  time.Time  `json:"nextAttemptAt"`
	LastError      string     `json:"lastError,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	SubmittedAt    *time.Time `json:"submittedAt,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmedAt,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreateShipment(c *gin.Context) {
	var req createShipmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	shipment := domain.Shipment{
		ID:        req.ID,
		Reference: req.Reference,
		CreatedAt: time.Now().UTC(),
	}
	if shipment.ID == "" {
		shipment.ID = uuid.NewString()
	}
	if err := s.shipments.Create(c.Request.Context(), shipment); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":        shipment.ID,
		"reference": shipment.Reference,
		"createdAt": shipment.CreatedAt,
	})
}

func (s *Server) handleRecordStatus(c *gin.Context) {
	actor := c.GetHeader(actorHeader)
	if !s.enforceRateLimit(c, "status:record", actor) {
		return
	}

	var req recordStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	event, err := s.recorder.RecordStatus(c.Request.Context(), usecase.RecordStatusInput{
		ShipmentID: c.Param("id"),
		Status:     domain.Status(req.Status),
		LocationID: req.LocationID,
		Actor:      actor,
		Metadata:   req.Metadata,
	})
	if err != nil {
		if domain.IsInvalidTransition(err) || errors.Is(err, domain.ErrUnknownStatus) {
			s.metrics.TransitionsRejected.Inc()
		}
		writeError(c, err)
		return
	}
	s.metrics.EventsRecorded.Inc()
	c.JSON(http.StatusCreated, buildEventResponse(event))
}

func (s *Server) handleRecordPing(c *gin.Context) {
	actor := c.GetHeader(actorHeader)
	if !s.enforceRateLimit(c, "ping:record", actor) {
		return
	}

	var req recordPingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	if req.LocationID == "" {
		writeErrorCode(c, http.StatusBadRequest, "LOCATION_REQUIRED", "locationId is required")
		return
	}
	event, err := s.recorder.RecordLocationPing(c.Request.Context(), c.Param("id"), req.LocationID, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	s.metrics.EventsRecorded.Inc()
	c.JSON(http.StatusCreated, buildEventResponse(event))
}

func (s *Server) handleHistory(c *gin.Context) {
	events, err := s.recorder.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, buildEventResponse(event))
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (s *Server) handleCurrentStatus(c *gin.Context) {
	event, err := s.recorder.CurrentStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildEventResponse(event))
}

func (s *Server) handleAnchors(c *gin.Context) {
	shipmentID := c.Param("id")
	if _, err := s.shipments.GetByID(c.Request.Context(), shipmentID); err != nil {
		writeError(c, err)
		return
	}
	requests, err := s.outbox.ListByShipment(c.Request.Context(), shipmentID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]anchorResponse, 0, len(requests))
	for _, request := range requests {
		out = append(out, anchorResponse{
			ID:             request.ID,
			EventID:        request.EventID,
			State:          string(request.State),
			ProviderHandle: request.ProviderHandle,
			PayloadHash:    request.PayloadHash,
			Attempts:       request.Attempts,
			NextAttemptAt:  request.NextAttemptAt,
			LastError:      request.LastError,
			CreatedAt:      request.CreatedAt,
			SubmittedAt:    request.SubmittedAt,
			ConfirmedAt:    request.ConfirmedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"anchors": out})
}

func buildEventResponse(event domain.ShipmentStatusEvent) eventResponse {
	return eventResponse{
		ID:         event.ID,
		ShipmentID: event.ShipmentID,
		Seq:        event.Seq,
		Status:     string(event.Status),
		LocationID: event.LocationID,
		RecordedAt: event.RecordedAt,
		RecordedBy: event.RecordedBy,
		Metadata:   event.Metadata,
		Anchored:   event.Anchored,
	}
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case domain.IsInvalidTransition(err):
		status, code = http.StatusBadRequest, "INVALID_TRANSITION"
	case errors.Is(err, domain.ErrUnknownStatus):
		status, code = http.StatusBadRequest, "UNKNOWN_STATUS"
	case errors.Is(err, domain.ErrShipmentNotFound):
		status, code = http.StatusNotFound, "SHIPMENT_NOT_FOUND"
	case errors.Is(err, domain.ErrLocationNotFound):
		status, code = http.StatusNotFound, "LOCATION_NOT_FOUND"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrShipmentExists):
		status, code = http.StatusConflict, "SHIPMENT_EXISTS"
	}
	writeErrorCode(c, status, code, err.Error())
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}
