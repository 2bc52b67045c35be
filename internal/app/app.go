// Package app holds the wiring shared by the service binaries.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/mymelodiess/food-delivery-microservices/internal/config"
	"github.com/mymelodiess/food-delivery-microservices/internal/identity"
	"github.com/mymelodiess/food-delivery-microservices/internal/logging"
	"github.com/mymelodiess/food-delivery-microservices/internal/metrics"
	"github.com/mymelodiess/food-delivery-microservices/internal/resilience"
)

const shutdownTimeout = 10 * time.Second

// NewRouter returns a gin engine with recovery, request logging, metrics, /health and /metrics.
// /health lists the breaker state of guards and reports "degraded" while one is open.
func NewRouter(service string, guards ...*resilience.Guard) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logging.RequestLogger(service), metrics.PrometheusMiddleware(service))

	r.GET("/health", func(c *gin.Context) {
		body := gin.H{"status": "ok", "service": service}
		if len(guards) > 0 {
			states, ok := resilience.Health(guards...)
			body["breakers"] = states
			if !ok {
				body["status"] = "degraded"
			}
		}
		c.JSON(http.StatusOK, body)
	})
	r.GET("/metrics", metrics.Handler())
	return r
}

// Serve runs r as a local HTTP server when RUN_LOCAL is set, otherwise behind API Gateway
// through the Lambda adapter. The local server drains in-flight requests when ctx ends.
func Serve(ctx context.Context, cfg *config.Config, r *gin.Engine) error {
	if !cfg.RunLocal {
		adapter := ginadapter.New(r)
		lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
			return adapter.ProxyWithContext(ctx, req)
		})
		return nil
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("running local server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// Auth builds the identity middleware: JWT when JWT_SECRET is set, the user service when
// USER_SERVICE_URL is set, otherwise only the trusted X-User-ID header. Once tokens are
// verified, X-User-ID is only accepted from services presenting SERVICE_TOKEN.
func Auth(cfg *config.Config, required bool) gin.HandlerFunc {
	var v identity.Verifier
	switch {
	case cfg.Auth.JWTSecret != "":
		v = identity.NewJWTVerifier(cfg.Auth.JWTSecret)
	case cfg.Services.UserURL != "":
		v = identity.NewRemoteVerifier(resilience.NewClient(resilience.ClientOptions{
			BaseURL:    cfg.Services.UserURL,
			RetryCount: cfg.Services.RetryCount,
			RetryWait:  cfg.Services.RetryWait,
		}))
	default:
		log.Warn("no token verifier configured, trusting X-User-ID")
		return identity.Middleware(nil, identity.MiddlewareOptions{TrustUserHeader: true, Required: required})
	}
	if cfg.Auth.ServiceToken == "" {
		log.Info("no service token configured, X-User-ID is ignored")
	}
	return identity.Middleware(v, identity.MiddlewareOptions{
		TrustUserHeader: cfg.Auth.ServiceToken != "",
		ServiceToken:    cfg.Auth.ServiceToken,
		Required:        required,
	})
}

// ServiceHeaders are the headers a service sends on calls that carry X-User-ID.
func ServiceHeaders(cfg *config.Config) map[string]string {
	if cfg.Auth.ServiceToken == "" {
		return nil
	}
	return map[string]string{identity.ServiceTokenHeader: cfg.Auth.ServiceToken}
}
