package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/identity"
	"github.com/mymelodiess/food-delivery-microservices/internal/orders"
	"github.com/mymelodiess/food-delivery-microservices/internal/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func orderIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, apperr.New(apperr.InputInvalid, "invalid order id"))
		return 0, false
	}
	return id, true
}

func listLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		fail(c, apperr.New(apperr.InputInvalid, "limit must be a positive integer"))
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

// loadOrder writes 404 and returns nil when the order is missing.
func (h *handler) loadOrder(c *gin.Context, id int64) *orders.Order {
	o, err := h.orders.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, apperr.Wrap(apperr.Internal, "load order", err))
		return nil
	}
	if o == nil {
		fail(c, apperr.Newf(apperr.NotFound, "order %d not found", id))
		return nil
	}
	return o
}

// GET /orders?branch_id=
func (h *handler) listOrders(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	f := orders.Filter{Limit: limit}
	if raw := c.Query("branch_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			fail(c, apperr.New(apperr.InputInvalid, "invalid branch_id"))
			return
		}
		f.BranchID = &id
	} else if who := identity.FromContext(c); who != nil && who.IsSeller() && who.BranchID > 0 {
		f.BranchID = &who.BranchID
	}

	list, err := h.orders.List(c.Request.Context(), f)
	if err != nil {
		fail(c, apperr.Wrap(apperr.Internal, "list orders", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": nonNil(list), "count": len(list)})
}

// GET /orders/my-orders lists the caller's orders. Without an identity the user_id query is used.
func (h *handler) myOrders(c *gin.Context) {
	var userID int64
	if who := identity.FromContext(c); who != nil {
		userID = who.UserID
	} else if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			fail(c, apperr.New(apperr.InputInvalid, "invalid user_id"))
			return
		}
		userID = id
	}
	if userID <= 0 {
		fail(c, apperr.New(apperr.Unauthorized, "login required"))
		return
	}
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	list, err := h.orders.List(c.Request.Context(), orders.Filter{UserID: &userID, Limit: limit})
	if err != nil {
		fail(c, apperr.Wrap(apperr.Internal, "list orders", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": nonNil(list), "count": len(list)})
}

// GET /orders/:id
func (h *handler) getOrder(c *gin.Context) {
	id, ok := orderIDParam(c)
	if !ok {
		return
	}
	if o := h.loadOrder(c, id); o != nil {
		c.JSON(http.StatusOK, o)
	}
}

// PUT /orders/:id/status?status=
func (h *handler) updateStatus(c *gin.Context) {
	id, ok := orderIDParam(c)
	if !ok {
		return
	}
	to := c.Query("status")
	if !orders.KnownStatus(to) {
		fail(c, apperr.Newf(apperr.InputInvalid, "unknown order status %q", to))
		return
	}

	var (
		updated *orders.Order
		err     error
	)
	switch to {
	case orders.StatusPaid:
		fail(c, apperr.New(apperr.InputInvalid, "use PUT /orders/:id/paid with a transaction id"))
		return
	case orders.StatusCancelled:
		updated, err = h.orch.Cancel(c.Request.Context(), id)
	default:
		updated, err = h.orders.SetStatus(c.Request.Context(), id, to)
	}
	if err != nil {
		fail(c, err)
		return
	}
	log.WithFields(log.Fields{"order_id": id, "status": to}).Info("order status updated")
	c.JSON(http.StatusOK, updated)
}

// PUT /orders/:id/cancel
func (h *handler) cancelOrder(c *gin.Context) {
	id, ok := orderIDParam(c)
	if !ok {
		return
	}
	o := h.loadOrder(c, id)
	if o == nil {
		return
	}
	if who := identity.FromContext(c); who != nil && !who.IsSeller() && o.UserID != nil && *o.UserID != who.UserID {
		fail(c, apperr.New(apperr.Forbidden, "order belongs to another user"))
		return
	}
	cancelled, err := h.orch.Cancel(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cancelled)
}

// GET /orders/:id/check-review?user_id= tells the review service whether the user may
// review the order and which branch it belongs to.
func (h *handler) checkReview(c *gin.Context) {
	id, ok := orderIDParam(c)
	if !ok {
		return
	}
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		fail(c, apperr.New(apperr.InputInvalid, "user_id is required"))
		return
	}
	o := h.loadOrder(c, id)
	if o == nil {
		return
	}
	if o.UserID == nil || *o.UserID != userID {
		fail(c, apperr.New(apperr.Forbidden, "order belongs to another user"))
		return
	}
	if o.Status != orders.StatusCompleted {
		fail(c, apperr.Newf(apperr.InputInvalid, "order is %s, only completed orders can be reviewed", o.Status))
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch_id": o.BranchID})
}

// PUT /orders/:id/paid is the payment service callback.
func (h *handler) markPaid(c *gin.Context) {
	id, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req validation.PaidRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}
	paid, err := h.orch.ConfirmPayment(c.Request.Context(), id, req.TransactionID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, paid)
}

func nonNil(list []orders.Order) []orders.Order {
	if list == nil {
		return []orders.Order{}
	}
	return list
}
