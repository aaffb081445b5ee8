package payment

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/learnhub-api/internal/common"
	"github.com/noah-isme/learnhub-api/internal/obs"
)

// Handler exposes checkout and status endpoints.
type Handler struct {
	Svc    *Service
	Logger zerolog.Logger
}

type paymentView struct {
	OrderCode   int64     `json:"orderCode"`
	Status      Status    `json:"status"`
	Amount      int64     `json:"amount"`
	CourseID    string    `json:"courseId"`
	CheckoutURL string    `json:"checkoutUrl,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toView(rec Record) paymentView {
	return paymentView{
		OrderCode:   rec.OrderCode,
		Status:      rec.Status,
		Amount:      rec.Amount,
		CourseID:    rec.CourseID,
		CheckoutURL: rec.CheckoutURL,
		UpdatedAt:   rec.UpdatedAt,
	}
}

// Checkout handles POST /api/v1/payments/checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var in CheckoutInput
	if err := common.DecodeJSON(r, &in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	res, err := h.Svc.Checkout(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	common.JSON(w, status, res)
}

// Status handles GET /api/v1/payments/{orderCode}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	orderCode, ok := orderCodeParam(w, r)
	if !ok {
		return
	}
	rec, err := h.Svc.Status(r.Context(), orderCode)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, toView(rec))
}

// MockConfirm handles POST /api/v1/payments/{orderCode}/mock-confirm. The
// route is only mounted in mock mode.
func (h *Handler) MockConfirm(w http.ResponseWriter, r *http.Request) {
	orderCode, ok := orderCodeParam(w, r)
	if !ok {
		return
	}
	rec, err := h.Svc.ConfirmMock(r.Context(), orderCode)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, toView(rec))
}

func orderCodeParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "orderCode"))
	code, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || code <= 0 {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid orderCode", nil)
		return 0, false
	}
	return code, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := obs.FromContext(r.Context(), h.Logger)
	switch {
	case errors.Is(err, ErrPaymentCreationFailed):
		logger.Warn().Err(err).Msg("payment creation failed")
		common.JSONError(w, http.StatusBadRequest, "PAYMENT_CREATION_FAILED", ClientMessage(err), nil)
	case errors.Is(err, ErrInvalidInput):
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "PAYMENT_NOT_FOUND", "payment not found", nil)
	case errors.Is(err, ErrInvalidTransition):
		common.JSONError(w, http.StatusConflict, "INVALID_TRANSITION", "payment can no longer change to that status", nil)
	case errors.Is(err, ErrNotMockMode):
		common.JSONError(w, http.StatusNotFound, "NOT_AVAILABLE", "mock confirmation is disabled", nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		common.JSONError(w, http.StatusGatewayTimeout, "TIMEOUT", "request timed out", nil)
	default:
		logger.Error().Err(err).Msg("payment request failed")
		common.WriteError(w, err)
	}
}
