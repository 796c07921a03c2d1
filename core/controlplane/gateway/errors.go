package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/opal-compute/gateway/core/controlplane/admission"
	"github.com/opal-compute/gateway/core/infra/logging"
)

// statusForKind maps pipeline error kinds onto HTTP status codes. Unknown job
// ids and foreign jobs share 401 so clients cannot probe for ids.
func statusForKind(kind admission.Kind) int {
	switch kind {
	case admission.KindUnauthenticated, admission.KindUnauthorized, admission.KindNotFound:
		return http.StatusUnauthorized
	case admission.KindMalformedRequest:
		return http.StatusBadRequest
	case admission.KindUnsupportedType:
		return http.StatusMethodNotAllowed
	case admission.KindConflict:
		return http.StatusConflict
	case admission.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error": message, ...details}.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	aerr := admission.AsError(err)
	status := statusForKind(aerr.Kind)
	if status >= http.StatusInternalServerError {
		logging.Error("api-gateway", "request failed", "method", r.Method, "path", r.URL.Path, "kind", aerr.Kind, "error", err)
	}
	body := make(map[string]any, len(aerr.Details)+1)
	for k, v := range aerr.Details {
		body[k] = v
	}
	body["error"] = aerr.Message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("api-gateway", "encode response", "error", err)
	}
}

func badRequest(msg string) error {
	return &admission.Error{Kind: admission.KindMalformedRequest, Message: msg}
}
