package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/angelmondragon/installments-gateway/api/responses"
	gocardlesswebhook "github.com/angelmondragon/installments-gateway/internal/webhooks/gocardless"
	pkgerrors "github.com/angelmondragon/installments-gateway/pkg/errors"
	"github.com/angelmondragon/installments-gateway/pkg/logger"
)

const defaultMaxBodyBytes int64 = 1 << 20

// WebhookProcessor applies a signed delivery.
type WebhookProcessor interface {
	Process(ctx context.Context, body []byte, signature string) (*gocardlesswebhook.BatchResult, error)
}

type batchRecorder interface {
	ObserveBatch(status string)
}

// GoCardlessWebhook accepts subscription lifecycle deliveries. Signature and
// payload failures use the flat {"message": ...} body; everything else is
// acknowledged with 200 so the sender does not redeliver processed events.
func GoCardlessWebhook(processor WebhookProcessor, metrics batchRecorder, maxBodyBytes int64, logg *logger.Logger) http.HandlerFunc {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if processor == nil {
			observe(metrics, http.StatusInternalServerError)
			responses.WriteMessage(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook processor unavailable"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				err = pkgerrors.Wrap(pkgerrors.CodeMalformedPayload, err, "Invalid payload")
			} else {
				err = pkgerrors.Wrap(pkgerrors.CodeMalformedPayload, err, "read request body")
			}
			observe(metrics, http.StatusBadRequest)
			responses.WriteMessage(ctx, logg, w, err)
			return
		}

		result, err := processor.Process(ctx, payload, r.Header.Get(gocardlesswebhook.SignatureHeader))
		if err != nil {
			observe(metrics, pkgerrors.MetadataFor(codeOf(err)).HTTPStatus)
			responses.WriteMessage(ctx, logg, w, err)
			return
		}

		if logg != nil {
			logg.Info(logg.WithFields(ctx, map[string]any{
				"events":    len(result.Events),
				"applied":   result.Count(gocardlesswebhook.OutcomeApplied),
				"not_found": result.Count(gocardlesswebhook.OutcomeNotFound),
				"failed":    result.Count(gocardlesswebhook.OutcomeFailed),
			}), "webhook.batch_processed")
		}
		observe(metrics, http.StatusOK)
		responses.WriteSuccess(w, result)
	}
}

func codeOf(err error) pkgerrors.Code {
	if typed := pkgerrors.As(err); typed != nil {
		return typed.Code()
	}
	return pkgerrors.CodeInternal
}

func observe(metrics batchRecorder, status int) {
	if metrics == nil {
		return
	}
	metrics.ObserveBatch(strconv.Itoa(status))
}
