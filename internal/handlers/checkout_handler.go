package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/checkout"
	"github.com/mymelodiess/food-delivery-microservices/internal/idempotency"
	"github.com/mymelodiess/food-delivery-microservices/internal/identity"
	"github.com/mymelodiess/food-delivery-microservices/internal/orders"
	"github.com/mymelodiess/food-delivery-microservices/internal/validation"
)

func (h *handler) checkout(c *gin.Context) {
	ctx := c.Request.Context()

	var req validation.CheckoutRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	key := strings.TrimSpace(c.GetHeader(IdempotencyHeader))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}
	if key == "" {
		fail(c, apperr.New(apperr.InputInvalid, "Idempotency-Key header or idempotency_key is required"))
		return
	}
	logger := log.WithFields(log.Fields{"idempotency_key": key, "branch_id": req.BranchID})

	// Finished keys replay their stored answer. IN_PROGRESS keys run again: the order
	// store hands back the order already created under the key.
	rec, err := h.idem.Get(ctx, key)
	if err != nil {
		fail(c, apperr.Wrap(apperr.Internal, "idempotency check failed", err))
		return
	}
	if rec != nil && rec.Status != idempotency.StatusInProgress {
		idempotency.Replay(c, rec)
		return
	}

	userID := req.UserID
	if id := identity.FromContext(c); id != nil && id.UserID > 0 {
		userID = &id.UserID
	}

	res, err := h.orch.Checkout(ctx, key, checkout.Request{
		BranchID:        req.BranchID,
		Items:           req.Items,
		CouponCode:      req.CouponCode,
		UserID:          userID,
		CustomerName:    req.CustomerName,
		CustomerPhone:   req.CustomerPhone,
		DeliveryAddress: req.DeliveryAddress,
		Note:            req.Note,
	})

	switch {
	case err == nil:
		status := http.StatusCreated
		if res.Replayed {
			status = http.StatusOK
			c.Header("Idempotent-Replayed", "true")
		} else {
			h.remember(c, key, res, status)
		}
		c.Header("Location", fmt.Sprintf("/orders/%d", res.OrderID))
		c.JSON(status, res)

	case res != nil:
		// the order exists but payment did not go through
		body := apperr.Body(err)
		body["order_id"] = res.OrderID
		body["status"] = res.Status
		body["total_price"] = res.Total
		if res.TransactionID != "" {
			body["transaction_id"] = res.TransactionID
		}
		status := apperr.Status(err)
		h.remember(c, key, body, status)
		c.JSON(status, body)

	default:
		// An order given up on (FAILED) is the final answer for the key. Keys without an
		// order, or whose order is still pending, stay open and run again.
		order, ferr := h.orders.FindByIdempotencyKey(ctx, key)
		if ferr != nil {
			logger.WithError(ferr).Warn("load order of failed checkout")
		}
		if order != nil && orders.IsTerminal(order.Status) {
			body := apperr.Body(err)
			body["order_id"] = order.OrderID
			body["status"] = order.Status
			body["total_price"] = order.Total
			status := apperr.Status(err)
			h.remember(c, key, body, status)
			c.AbortWithStatusJSON(status, body)
			return
		}
		fail(c, err)
	}
}

// remember stores the answer under key for replays.
func (h *handler) remember(c *gin.Context, key string, body interface{}, status int) {
	raw, err := json.Marshal(body)
	if err != nil {
		log.WithError(err).Warn("marshal checkout response")
		return
	}
	if err := h.idem.MarkDone(c.Request.Context(), key, string(raw), status); err != nil {
		log.WithError(err).WithField("idempotency_key", key).Warn("mark idempotency done failed")
	}
}
