package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/idempotency"
	"github.com/mymelodiess/food-delivery-microservices/internal/identity"
)

// Confirmer tells the order service that a payment succeeded.
type Confirmer interface {
	MarkPaid(ctx context.Context, orderID int64, transactionID string) error
}

// Server exposes the payment service routes.
type Server struct {
	payer   Payer
	store   *Store
	idem    *idempotency.Store
	confirm Confirmer
}

// NewServer wires the routes. idem and confirm may be nil: without idem the Idempotency-Key
// header is ignored, without confirm POST /pay does not call the order service back.
func NewServer(payer Payer, store *Store, idem *idempotency.Store, confirm Confirmer) *Server {
	return &Server{payer: payer, store: store, idem: idem, confirm: confirm}
}

type methodRequest struct {
	CardNumber string `json:"card_number" binding:"required,min=12,max=19,numeric"`
	CardHolder string `json:"card_holder" binding:"required"`
	ExpiryDate string `json:"expiry_date" binding:"required"`
	BankName   string `json:"bank_name"`
}

// RegisterRoutes mounts the payment routes. auth guards the saved-card routes.
func (s *Server) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc) {
	r.POST("/pay", s.pay)
	r.GET("/payments", s.listPayments)
	r.GET("/payments/:id", s.getPayment)

	m := r.Group("/payment-methods", auth)
	m.GET("", s.listMethods)
	m.POST("", s.saveMethod)
}

func fail(c *gin.Context, err error) {
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("route", c.FullPath()).Error("payment request failed")
	}
	c.AbortWithStatusJSON(status, apperr.Body(err))
}

func (s *Server) pay(c *gin.Context) {
	ctx := c.Request.Context()
	var req payRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Wrap(apperr.InputInvalid, "invalid payment request", err))
		return
	}

	key := c.GetHeader(IdempotencyHeader)
	if key != "" && s.idem != nil {
		key = "pay:" + key
		rec, started, err := s.idem.Begin(ctx, key, req.OrderID)
		if err != nil {
			fail(c, apperr.Wrap(apperr.Internal, "idempotency check failed", err))
			return
		}
		if !started {
			idempotency.Replay(c, rec)
			return
		}
	} else {
		key = ""
	}

	status, body := s.attempt(ctx, req)

	if key != "" {
		if status >= http.StatusInternalServerError && body["transaction_id"] == nil {
			if err := s.idem.MarkFailed(ctx, key, fmt.Sprint(body["message"])); err != nil {
				log.WithError(err).WithField("idempotency_key", key).Warn("mark payment key failed")
			}
		} else if raw, err := json.Marshal(body); err == nil {
			if err := s.idem.MarkDone(ctx, key, string(raw), status); err != nil {
				log.WithError(err).WithField("idempotency_key", key).Warn("mark payment key done failed")
			}
		}
	}
	c.JSON(status, body)
}

// attempt runs one payment and renders the answer.
func (s *Server) attempt(ctx context.Context, req payRequest) (int, gin.H) {
	res, err := s.payer.Pay(ctx, req.OrderID, req.Amount)
	if err != nil {
		status := apperr.Status(err)
		body := gin.H{}
		for k, v := range apperr.Body(err) {
			body[k] = v
		}
		if res != nil {
			body["transaction_id"] = res.TransactionID
			body["order_id"] = res.OrderID
			body["amount"] = res.Amount
			body["status"] = res.Status
		}
		return status, body
	}

	body := gin.H{
		"payment_id":     res.PaymentID,
		"transaction_id": res.TransactionID,
		"order_id":       res.OrderID,
		"amount":         res.Amount,
		"status":         res.Status,
		"message":        res.Message,
	}
	if s.confirm != nil {
		if err := s.confirm.MarkPaid(ctx, res.OrderID, res.TransactionID); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"order_id":       res.OrderID,
				"transaction_id": res.TransactionID,
			}).Error("payment recorded but order confirmation failed")
			body["error"] = apperr.Internal
			body["message"] = "payment recorded but order confirmation failed"
			return http.StatusInternalServerError, body
		}
	}
	return http.StatusOK, body
}

func (s *Server) listPayments(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		out []Record
		err error
	)
	if q := c.Query("order_id"); q != "" {
		orderID, perr := strconv.ParseInt(q, 10, 64)
		if perr != nil || orderID <= 0 {
			fail(c, apperr.New(apperr.InputInvalid, "order_id must be a positive integer"))
			return
		}
		out, err = s.store.ListByOrder(ctx, orderID)
	} else {
		out, err = s.store.List(ctx)
	}
	if err != nil {
		fail(c, apperr.Wrap(apperr.Internal, "list payments", err))
		return
	}
	if out == nil {
		out = []Record{}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getPayment(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, apperr.New(apperr.InputInvalid, "payment id must be a positive integer"))
		return
	}
	rec, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, apperr.Wrap(apperr.Internal, "load payment", err))
		return
	}
	if rec == nil {
		fail(c, apperr.Newf(apperr.NotFound, "payment %d not found", id))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) listMethods(c *gin.Context) {
	id := identity.FromContext(c)
	if id == nil || id.UserID <= 0 {
		fail(c, apperr.New(apperr.Unauthorized, "authentication required"))
		return
	}
	out, err := s.store.ListMethods(c.Request.Context(), id.UserID)
	if err != nil {
		fail(c, apperr.Wrap(apperr.Internal, "list payment methods", err))
		return
	}
	if out == nil {
		out = []Method{}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) saveMethod(c *gin.Context) {
	id := identity.FromContext(c)
	if id == nil || id.UserID <= 0 {
		fail(c, apperr.New(apperr.Unauthorized, "authentication required"))
		return
	}
	var req methodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Wrap(apperr.InputInvalid, "invalid payment method", err))
		return
	}
	m, err := s.store.SaveMethod(c.Request.Context(), id.UserID, req.CardNumber, req.CardHolder, req.ExpiryDate, req.BankName)
	if err != nil {
		fail(c, apperr.Wrap(apperr.Internal, "save payment method", err))
		return
	}
	c.JSON(http.StatusCreated, m)
}
