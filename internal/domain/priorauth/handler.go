package priorauth

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/ehr/priorauth/internal/platform/fhir"
	"github.com/ehr/priorauth/pkg/pagination"
)

type Handler struct {
	proc      *Processor
	claims    ClaimRepository
	items     ClaimItemRepository
	responses ClaimResponseRepository
}

func NewHandler(proc *Processor, repos Repositories) *Handler {
	return &Handler{
		proc:      proc,
		claims:    repos.Claims,
		items:     repos.Items,
		responses: repos.Responses,
	}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("/Claim/$submit", h.SubmitFHIR)
	fhirGroup.POST("/Claim/:id/$cancel", h.CancelFHIR)
	fhirGroup.GET("/Claim/:id", h.GetClaimFHIR)
	fhirGroup.GET("/Claim/:id/items", h.GetClaimItems)
	fhirGroup.GET("/ClaimResponse", h.SearchClaimResponsesFHIR)
	fhirGroup.GET("/ClaimResponse/:id", h.GetClaimResponseFHIR)
}

func (h *Handler) SubmitFHIR(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("failed to read request body"))
	}
	sub, err := ParseSubmission(body)
	if err != nil {
		return errorResponse(c, err)
	}
	resp, err := h.proc.Submit(c.Request().Context(), sub)
	if err != nil {
		return errorResponse(c, err)
	}
	c.Response().Header().Set("Location", "/fhir/ClaimResponse/"+resp.ID)
	return c.JSON(http.StatusCreated, resp.ToFHIR())
}

func (h *Handler) CancelFHIR(c echo.Context) error {
	patientID := c.QueryParam("patient")
	if patientID == "" {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("patient", "query parameter is required"))
	}
	if err := h.proc.Cancel(c.Request().Context(), c.Param("id"), patientID); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, fhir.SuccessOutcome("Claim/"+c.Param("id")+" cancelled"))
}

func (h *Handler) GetClaimFHIR(c echo.Context) error {
	cl, err := h.claims.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, cl.ToFHIR())
}

func (h *Handler) GetClaimItems(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := h.claims.GetByID(ctx, c.Param("id")); err != nil {
		return errorResponse(c, err)
	}
	items, err := h.items.ListByClaim(ctx, c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if items == nil {
		items = []*ClaimItem{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetClaimResponseFHIR(c echo.Context) error {
	cr, err := h.responses.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, cr.ToFHIR())
}

func (h *Handler) SearchClaimResponsesFHIR(c echo.Context) error {
	patientID := c.QueryParam("patient")
	if patientID == "" {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("patient", "query parameter is required"))
	}
	items, err := h.responses.ListByPatient(c.Request().Context(), patientID)
	if err != nil {
		return errorResponse(c, err)
	}

	pg := pagination.FromContext(c)
	start, end := pg.Window(len(items))
	resources := make([]map[string]interface{}, 0, end-start)
	for _, item := range items[start:end] {
		resources = append(resources, item.ToFHIR())
	}

	total := len(items)
	bundle := fhir.NewSearchBundle(resources, "/fhir/ClaimResponse")
	bundle.Total = &total
	bundle.Link = bundle.Link[:0]
	for _, l := range pg.FHIRLinks("/fhir/ClaimResponse", url.Values{"patient": {patientID}}, total) {
		bundle.Link = append(bundle.Link, fhir.BundleLink{Relation: l.Relation, URL: l.URL})
	}
	return c.JSON(http.StatusOK, bundle)
}

// errorResponse renders err as an OperationOutcome. Processing failures carry
// no detail.
func errorResponse(c echo.Context, err error) error {
	var (
		verr *ValidationError
		rerr *ReferenceError
		nerr *NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome(verr.Field, verr.Message))
	case errors.As(err, &rerr):
		if rerr.Reason == ReasonMissing {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(resourceType(rerr.Kind), rerr.ID))
		}
		return c.JSON(http.StatusUnprocessableEntity, fhir.BusinessRuleOutcome(rerr.Error()))
	case errors.As(err, &nerr):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(resourceType(nerr.Kind), nerr.ID))
	default:
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(ErrProcessingFailed.Error()))
	}
}

func resourceType(k Kind) string {
	switch k {
	case KindClaim:
		return "Claim"
	case KindClaimResponse:
		return "ClaimResponse"
	case KindSubscription:
		return "Subscription"
	}
	return string(k)
}
