package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/installments-gateway/api/responses"
	"github.com/angelmondragon/installments-gateway/api/validators"
	"github.com/angelmondragon/installments-gateway/internal/installments"
	pkgerrors "github.com/angelmondragon/installments-gateway/pkg/errors"
	"github.com/angelmondragon/installments-gateway/pkg/logger"
)

const maxOrderKeyLength = 128

// InstallmentsService is the customer-facing installment surface.
type InstallmentsService interface {
	Options(total string) ([]installments.Option, error)
	StartCheckout(ctx context.Context, input installments.CheckoutInput) (*installments.CheckoutResult, error)
	HandleReturn(ctx context.Context, orderID uuid.UUID, redirectFlowID string) (string, error)
	Summary(ctx context.Context, orderID uuid.UUID, orderKey string) (*installments.Summary, error)
}

type checkoutRequest struct {
	OrderID              string `json:"order_id" validate:"required,uuid"`
	OrderKey             string `json:"order_key" validate:"required,max=128"`
	NumberOfInstallments int    `json:"number_of_installments" validate:"required,oneof=2 4"`
}

// InstallmentOptions lists the selectable plans for a cart total.
func InstallmentOptions(svc InstallmentsService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "installments service unavailable"))
			return
		}
		total, err := validators.RequiredQuery(r, "total", 32)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		options, err := svc.Options(total)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"options": options})
	}
}

// InstallmentCheckout opens the hosted mandate page for an order.
func InstallmentCheckout(svc InstallmentsService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "installments service unavailable"))
			return
		}
		var req checkoutRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := validators.ParseUUID(req.OrderID, "order_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.StartCheckout(r.Context(), installments.CheckoutInput{
			OrderID:              orderID,
			OrderKey:             validators.SanitizeString(req.OrderKey, maxOrderKeyLength),
			NumberOfInstallments: req.NumberOfInstallments,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// InstallmentReturn is the success URL of the hosted page. It completes the
// mandate, puts the order on hold and sends the browser to the storefront.
func InstallmentReturn(svc InstallmentsService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "installments service unavailable"))
			return
		}
		rawID, err := validators.RequiredQuery(r, "order_id", 64)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := validators.ParseUUID(rawID, "order_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		flowID, err := validators.RequiredQuery(r, "redirect_flow_id", 64)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		target, err := svc.HandleReturn(r.Context(), orderID, flowID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

// InstallmentSummary shows the plan and upcoming charges to the order owner.
func InstallmentSummary(svc InstallmentsService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "installments service unavailable"))
			return
		}
		orderID, err := validators.ParseUUID(chi.URLParam(r, "orderId"), "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		key, err := validators.RequiredQuery(r, "key", maxOrderKeyLength)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		summary, err := svc.Summary(r.Context(), orderID, key)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}
