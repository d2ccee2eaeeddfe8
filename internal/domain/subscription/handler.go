package subscription

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/priorauth/internal/domain/priorauth"
	"github.com/ehr/priorauth/internal/platform/fhir"
)

// Handler provides the FHIR Subscription endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new subscription handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the FHIR endpoints.
func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("/Subscription", h.CreateSubscriptionFHIR)
	fhirGroup.GET("/Subscription/:id", h.GetSubscriptionFHIR)
	fhirGroup.DELETE("/Subscription/:id", h.DeleteSubscriptionFHIR)
}

// subscriptionResource is the subset of a FHIR Subscription read on create.
type subscriptionResource struct {
	ResourceType string `json:"resourceType"`
	Criteria     string `json:"criteria"`
	Channel      struct {
		Type     string `json:"type"`
		Endpoint string `json:"endpoint"`
	} `json:"channel"`
}

func (h *Handler) CreateSubscriptionFHIR(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("failed to read request body"))
	}
	var res subscriptionResource
	if err := json.Unmarshal(body, &res); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid JSON: "+err.Error()))
	}
	if res.ResourceType != "Subscription" {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("resourceType", "must be Subscription"))
	}
	responseID, patientID, err := ParseCriteria(res.Criteria)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("criteria", err.Error()))
	}

	sub, err := h.svc.Subscribe(c.Request().Context(), SubscribeRequest{
		ClaimResponseID: responseID,
		PatientID:       patientID,
		ChannelType:     ChannelType(res.Channel.Type),
		Endpoint:        res.Channel.Endpoint,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	c.Response().Header().Set("Location", "/fhir/Subscription/"+sub.ID)
	return c.JSON(http.StatusCreated, sub.ToFHIR())
}

func (h *Handler) GetSubscriptionFHIR(c echo.Context) error {
	sub, err := h.svc.GetSubscription(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, sub.ToFHIR())
}

func (h *Handler) DeleteSubscriptionFHIR(c echo.Context) error {
	patientID := c.QueryParam("patient")
	if patientID == "" {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("patient", "query parameter is required"))
	}
	if err := h.svc.DeleteSubscription(c.Request().Context(), c.Param("id"), patientID); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func errorResponse(c echo.Context, err error) error {
	var (
		verr *priorauth.ValidationError
		rerr *priorauth.ReferenceError
		nerr *priorauth.NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome(verr.Field, verr.Message))
	case errors.Is(err, ErrInvalidChannel):
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("channel", err.Error()))
	case errors.As(err, &rerr):
		if rerr.Reason == priorauth.ReasonMissing {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("ClaimResponse", rerr.ID))
		}
		return c.JSON(http.StatusUnprocessableEntity, fhir.BusinessRuleOutcome(rerr.Error()))
	case errors.Is(err, ErrClaimResponseNotPending):
		return c.JSON(http.StatusUnprocessableEntity, fhir.BusinessRuleOutcome(err.Error()))
	case errors.As(err, &nerr):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Subscription", nerr.ID))
	default:
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("internal error"))
	}
}
