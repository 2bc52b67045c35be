package idempotency

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Begin claims key for a new request. When the key was already used it returns the
// existing record and started=false; the caller should Replay it.
func (s *Store) Begin(ctx context.Context, key string, orderID int64) (rec *IdempotencyRecord, started bool, err error) {
	created, err := s.CreateIfNotExists(ctx, key, orderID)
	if err != nil {
		return nil, false, err
	}
	if created {
		return nil, true, nil
	}
	rec, err = s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		// expired between the put and the read; treat as fresh
		return s.Begin(ctx, key, orderID)
	}
	return rec, false, nil
}

// Replay answers a request whose idempotency key was already used.
func Replay(c *gin.Context, rec *IdempotencyRecord) {
	c.Header("Idempotent-Replayed", "true")
	switch rec.Status {
	case StatusDone:
		if rec.ResponseBody != "" && json.Valid([]byte(rec.ResponseBody)) {
			status := rec.ResponseStatus
			if status == 0 {
				status = http.StatusOK
			}
			c.Data(status, "application/json", []byte(rec.ResponseBody))
			return
		}
		c.JSON(http.StatusOK, gin.H{"order_id": rec.OrderID})
	case StatusInProgress:
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress", "order_id": rec.OrderID})
	case StatusFailed:
		c.JSON(http.StatusConflict, gin.H{
			"error":    "DuplicateRequest",
			"message":  "previous attempt failed: " + rec.Note,
			"order_id": rec.OrderID,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "message": "unknown idempotency status"})
	}
}
