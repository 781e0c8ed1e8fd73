package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"

	"github.com/picoscratch/mintgate/metric"
	"github.com/picoscratch/mintgate/packet"
)

const maxNewsletterBody = 4 << 10

var newsletterSchema = func() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(`{
		"type": "object",
		"required": ["email"],
		"properties": {
			"email": {"type": "string", "format": "email", "maxLength": 254}
		}
	}`))
	if err != nil {
		panic(err)
	}
	return schema
}()

// NewsletterStore records newsletter signups. The directory implements it.
type NewsletterStore interface {
	AppendNewsletter(ctx context.Context, email string) (bool, error)
}

// NewsletterHandler serves POST /api/subNewsletter
type NewsletterHandler struct {
	store     NewsletterStore
	limiter   *rate.Limiter
	opTimeout time.Duration
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// NewNewsletterHandler creates the signup endpoint. perSecond bounds
// accepted requests across the whole process.
func NewNewsletterHandler(store NewsletterStore, perSecond float64, metrics *metric.Metrics, logger *slog.Logger) *NewsletterHandler {
	if perSecond <= 0 {
		perSecond = 5
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = slog.Default().With("component", "newsletter")
	}
	return &NewsletterHandler{
		store:     store,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), burst),
		opTimeout: 2 * time.Second,
		metrics:   metrics,
		logger:    logger,
	}
}

func (h *NewsletterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNewsletterBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := packet.Validate(newsletterSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}

	var req struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opTimeout)
	defer cancel()
	added, err := h.store.AppendNewsletter(ctx, req.Email)
	if err != nil {
		h.logger.Warn("Newsletter signup failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}
	if added {
		h.metrics.NewsletterSignup()
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error":  message,
		"status": status,
	})
}
