package catalog

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/coupons"
	"github.com/mymelodiess/food-delivery-microservices/internal/identity"
	log "github.com/sirupsen/logrus"
)

// Server exposes foods and the coupon verify/redeem contract.
type Server struct {
	foods   FoodStore
	coupons *coupons.Validator
}

func NewServer(foods FoodStore, validator *coupons.Validator) *Server {
	return &Server{foods: foods, coupons: validator}
}

// redeemRequest names the coupon by id; code is accepted for callers that only know the code.
type redeemRequest struct {
	CouponID int64  `json:"coupon_id"`
	Code     string `json:"code" binding:"required_without=CouponID"`
	BranchID int64  `json:"branch_id" binding:"required"`
}

type createCouponRequest struct {
	Code            string    `json:"code" binding:"required"`
	DiscountPercent int       `json:"discount_percent" binding:"min=0,max=100"`
	BranchID        int64     `json:"branch_id"`
	StartDate       time.Time `json:"start_date" binding:"required"`
	EndDate         time.Time `json:"end_date" binding:"required"`
}

// RegisterRoutes mounts the catalog routes. auth must resolve the caller (see identity.Middleware).
func (s *Server) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc) {
	r.GET("/foods/:id", s.getFood)
	r.GET("/foods", s.getFoods)

	c := r.Group("/coupons", auth)
	c.GET("/verify", s.verifyCoupon)
	c.POST("/redeem", s.redeemCoupon)
	c.GET("", s.listCoupons)
	c.POST("", s.createCoupon)
	c.POST("/:id/deactivate", s.deactivateCoupon)
}

func fail(c *gin.Context, err error) {
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("route", c.FullPath()).Error("catalog request failed")
	}
	c.AbortWithStatusJSON(status, apperr.Body(err))
}

func (s *Server) getFood(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, apperr.New(apperr.InputInvalid, "food id must be a positive integer"))
		return
	}
	f, err := s.foods.GetFood(c.Request.Context(), id)
	if err != nil {
		fail(c, apperr.Wrap(apperr.Internal, "load food", err))
		return
	}
	if f == nil {
		fail(c, apperr.Newf(apperr.NotFound, "food %d not found", id))
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *Server) getFoods(c *gin.Context) {
	raw := c.Query("ids")
	if raw == "" {
		fail(c, apperr.New(apperr.InputInvalid, "ids query parameter is required"))
		return
	}
	var ids []int64
	for _, p := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || id <= 0 {
			fail(c, apperr.Newf(apperr.InputInvalid, "bad food id %q", p))
			return
		}
		ids = append(ids, id)
	}
	foods, err := s.foods.GetFoods(c.Request.Context(), ids)
	if err != nil {
		fail(c, apperr.Wrap(apperr.Internal, "load foods", err))
		return
	}
	if foods == nil {
		foods = []Food{}
	}
	c.JSON(http.StatusOK, foods)
}

func caller(c *gin.Context) (*identity.Identity, bool) {
	id := identity.FromContext(c)
	if id == nil {
		fail(c, apperr.New(apperr.Unauthorized, "authentication required"))
		return nil, false
	}
	return id, true
}

func (s *Server) verifyCoupon(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	branchID, err := strconv.ParseInt(c.Query("branch_id"), 10, 64)
	if err != nil {
		fail(c, apperr.New(apperr.InputInvalid, "branch_id is required"))
		return
	}
	res, err := s.coupons.Validate(c.Request.Context(), c.Query("code"), branchID, id.UserID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":            true,
		"id":               res.CouponID,
		"code":             res.Code,
		"discount_percent": res.DiscountPercent,
	})
}

func (s *Server) redeemCoupon(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Wrap(apperr.InputInvalid, "invalid redeem request", err))
		return
	}
	var (
		res coupons.Result
		err error
	)
	if req.CouponID > 0 {
		res, err = s.coupons.RedeemByID(c.Request.Context(), req.CouponID, req.BranchID, id.UserID)
	} else {
		res, err = s.coupons.Redeem(c.Request.Context(), req.Code, req.BranchID, id.UserID)
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listCoupons(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	branchID := id.BranchID
	if q := c.Query("branch_id"); q != "" {
		branchID, _ = strconv.ParseInt(q, 10, 64)
	}
	out, err := s.coupons.List(c.Request.Context(), branchID)
	if err != nil {
		fail(c, err)
		return
	}
	if out == nil {
		out = []coupons.Coupon{}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) createCoupon(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	if !id.IsSeller() {
		fail(c, apperr.New(apperr.Forbidden, "only sellers create coupons"))
		return
	}
	var req createCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Wrap(apperr.InputInvalid, "invalid coupon", err))
		return
	}
	cp := &coupons.Coupon{
		Code:            req.Code,
		DiscountPercent: req.DiscountPercent,
		BranchID:        id.BranchID,
		StartDate:       req.StartDate.UTC(),
		EndDate:         req.EndDate.UTC(),
	}
	if cp.BranchID == 0 {
		cp.BranchID = req.BranchID
	}
	if err := s.coupons.Create(c.Request.Context(), cp); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, cp)
}

func (s *Server) deactivateCoupon(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	if !id.IsSeller() && id.Role != identity.RoleService {
		fail(c, apperr.New(apperr.Forbidden, "only sellers deactivate coupons"))
		return
	}
	couponID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, apperr.New(apperr.InputInvalid, "coupon id must be an integer"))
		return
	}
	if err := s.coupons.Deactivate(c.Request.Context(), couponID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": couponID, "is_active": false})
}
