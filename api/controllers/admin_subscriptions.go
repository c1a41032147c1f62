package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/installments-gateway/api/middleware"
	"github.com/angelmondragon/installments-gateway/api/responses"
	"github.com/angelmondragon/installments-gateway/api/validators"
	"github.com/angelmondragon/installments-gateway/internal/subscriptions"
	pkgerrors "github.com/angelmondragon/installments-gateway/pkg/errors"
	"github.com/angelmondragon/installments-gateway/pkg/logger"
)

// AdminSubscriptionDetails returns the processor view of an order's installment subscription.
func AdminSubscriptionDetails(svc subscriptions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscriptions service unavailable"))
			return
		}
		orderID, err := validators.ParseUUID(chi.URLParam(r, "orderId"), "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{
				"order_id": orderID.String(),
				"admin":    middleware.SubjectFromContext(ctx),
			})
		}
		details, err := svc.Details(ctx, orderID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, details)
	}
}
