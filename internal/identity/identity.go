// Package identity resolves the caller of a request. Components depend on the Verifier
// capability rather than on how tokens are checked.
package identity

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt"
	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	log "github.com/sirupsen/logrus"
)

// Roles carried in tokens.
const (
	RoleCustomer = "customer"
	RoleSeller   = "seller"
	RoleService  = "service"
)

// UserIDHeader carries a pre-verified caller id on service-to-service calls.
const UserIDHeader = "X-User-ID"

// ServiceTokenHeader carries the shared secret that marks a service-to-service call.
const ServiceTokenHeader = "X-Service-Token"

const ctxKey = "identity"

// Identity is the verified caller.
type Identity struct {
	UserID     int64  `json:"id"`
	Role       string `json:"role"`
	BranchID   int64  `json:"branch_id,omitempty"`
	SellerMode bool   `json:"seller_mode,omitempty"`
}

// IsSeller reports whether the caller manages a branch.
func (i *Identity) IsSeller() bool {
	return i != nil && (i.Role == RoleSeller || i.SellerMode)
}

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// JWTVerifier checks HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperr.Wrap(apperr.Unauthorized, "invalid token", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperr.New(apperr.Unauthorized, "invalid token claims")
	}

	id := &Identity{
		UserID:   claimInt(claims, "id"),
		BranchID: claimInt(claims, "branch_id"),
	}
	if id.UserID == 0 {
		id.UserID = claimInt(claims, "user_id")
	}
	if id.UserID == 0 {
		return nil, apperr.New(apperr.Unauthorized, "token has no user id")
	}
	id.Role, _ = claims["role"].(string)
	if id.Role == "" {
		id.Role = RoleCustomer
	}
	id.SellerMode, _ = claims["seller_mode"].(bool)
	return id, nil
}

// Sign issues a token for id. Used by tests and local tooling; token issuance proper lives in the user service.
func (v *JWTVerifier) Sign(id Identity) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":          id.UserID,
		"role":        id.Role,
		"branch_id":   id.BranchID,
		"seller_mode": id.SellerMode,
	})
	return token.SignedString(v.secret)
}

func claimInt(claims jwt.MapClaims, key string) int64 {
	switch v := claims[key].(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// RemoteVerifier forwards the bearer token to the user service's GET /verify.
type RemoteVerifier struct {
	client *resty.Client
}

func NewRemoteVerifier(client *resty.Client) *RemoteVerifier {
	return &RemoteVerifier{client: client}
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	var id Identity
	resp, err := v.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&id).
		Get("/verify")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "user service unreachable", err)
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return nil, apperr.New(apperr.Unauthorized, "invalid token")
	case resp.IsError():
		return nil, apperr.Newf(apperr.Internal, "user service answered %d", resp.StatusCode())
	}
	if id.UserID == 0 {
		return nil, apperr.New(apperr.Unauthorized, "token has no user id")
	}
	return &id, nil
}

// MiddlewareOptions configures Middleware.
type MiddlewareOptions struct {
	// TrustUserHeader accepts X-User-ID without a token. Only for services behind the gateway.
	TrustUserHeader bool
	// ServiceToken, when set, limits TrustUserHeader to requests carrying it in X-Service-Token.
	ServiceToken string
	// Required rejects anonymous callers with 401.
	Required bool
}

// Middleware resolves the caller and stores it on the gin context. Anonymous callers pass
// through unless opts.Required is set; a present but invalid token is always rejected.
func Middleware(v Verifier, opts MiddlewareOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth := c.GetHeader("Authorization"); auth != "" && v != nil {
			token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			id, err := v.Verify(c.Request.Context(), token)
			if err != nil {
				log.WithError(err).Debug("token rejected")
				c.AbortWithStatusJSON(http.StatusUnauthorized, apperr.Body(err))
				return
			}
			c.Set(ctxKey, id)
			c.Next()
			return
		}

		if opts.TrustUserHeader && fromService(c, opts.ServiceToken) {
			if raw := c.GetHeader(UserIDHeader); raw != "" {
				uid, err := strconv.ParseInt(raw, 10, 64)
				if err != nil || uid <= 0 {
					c.AbortWithStatusJSON(http.StatusBadRequest, apperr.Body(apperr.New(apperr.InputInvalid, "bad X-User-ID")))
					return
				}
				c.Set(ctxKey, &Identity{UserID: uid, Role: RoleService})
				c.Next()
				return
			}
		}

		if opts.Required {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apperr.Body(apperr.New(apperr.Unauthorized, "authentication required")))
			return
		}
		c.Next()
	}
}

func fromService(c *gin.Context, token string) bool {
	if token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(c.GetHeader(ServiceTokenHeader)), []byte(token)) == 1
}

// FromContext returns the caller resolved by Middleware, or nil for anonymous requests.
func FromContext(c *gin.Context) *Identity {
	v, ok := c.Get(ctxKey)
	if !ok {
		return nil
	}
	id, _ := v.(*Identity)
	return id
}
