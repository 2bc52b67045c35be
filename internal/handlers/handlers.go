// Package handlers mounts the order service routes: checkout, the order read API and the
// payment confirmation callback.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/checkout"
	"github.com/mymelodiess/food-delivery-microservices/internal/idempotency"
	"github.com/mymelodiess/food-delivery-microservices/internal/logging"
	"github.com/mymelodiess/food-delivery-microservices/internal/orders"
	"github.com/mymelodiess/food-delivery-microservices/internal/validation"
)

// IdempotencyHeader carries the client's checkout key.
const IdempotencyHeader = "Idempotency-Key"

// HandlerConfig groups dependencies for the order service handlers.
type HandlerConfig struct {
	Orchestrator *checkout.Orchestrator
	Orders       *orders.Store
	Idempotency  *idempotency.Store
	// Auth resolves the caller; anonymous callers must be let through.
	Auth gin.HandlerFunc
}

type handler struct {
	orch     *checkout.Orchestrator
	orders   *orders.Store
	idem     *idempotency.Store
	validate *validatorv10.Validate
}

// RegisterOrdersRoutes registers the checkout and order routes.
func RegisterOrdersRoutes(r gin.IRouter, cfg HandlerConfig) {
	h := &handler{
		orch:     cfg.Orchestrator,
		orders:   cfg.Orders,
		idem:     cfg.Idempotency,
		validate: validation.New(),
	}
	auth := cfg.Auth
	if auth == nil {
		auth = func(c *gin.Context) { c.Next() }
	}

	r.POST("/checkout", auth, h.checkout)

	g := r.Group("/orders", auth)
	g.GET("", h.listOrders)
	g.GET("/my-orders", h.myOrders)
	g.GET("/:id", h.getOrder)
	g.PUT("/:id/status", h.updateStatus)
	g.PUT("/:id/cancel", h.cancelOrder)
	g.GET("/:id/check-review", h.checkReview)
	g.PUT("/:id/paid", h.markPaid)
}

func fail(c *gin.Context, err error) {
	status := apperr.Status(err)
	entry := log.WithFields(log.Fields{
		"route":      c.FullPath(),
		"request_id": logging.RequestID(c),
	})
	if status >= http.StatusInternalServerError {
		entry.WithError(err).Error("request failed")
	} else {
		entry.WithError(err).Debug("request rejected")
	}
	c.AbortWithStatusJSON(status, apperr.Body(err))
}
