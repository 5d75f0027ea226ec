package webhook

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tallyhook/pkg/logging"
)

// Handler wires the Verifier (C6) and Dispatcher (C7) into one gin route.
type Handler struct {
	verifier   *Verifier
	dispatcher *Dispatcher
	logger     logging.Logger
}

// NewHandler constructs the combined webhook HTTP handler.
func NewHandler(verifier *Verifier, dispatcher *Dispatcher, logger logging.Logger) *Handler {
	return &Handler{verifier: verifier, dispatcher: dispatcher, logger: logger}
}

func (h *Handler) log() logging.Logger {
	if h.logger == nil {
		return logging.NewLogger()
	}
	return h.logger
}

// ServeHTTP is registered as the gin handler for POST /webhook-global.
func (h *Handler) ServeHTTP(c *gin.Context) {
	req, err := h.verifier.Verify(c.Request)
	if err != nil {
		switch err {
		case ErrBadRequest:
			c.Status(http.StatusBadRequest)
		case ErrForbidden:
			c.Status(http.StatusForbidden)
		default:
			c.Status(http.StatusBadRequest)
		}
		return
	}

	h.dispatcher.Handle(c, req)
}
