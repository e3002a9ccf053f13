package security

import (
	"context"
	"crypto/subtle"
	"strings"

	"UniRide/tools/errs"
	"UniRide/tools/security"

	"github.com/gin-gonic/gin"
)

// gin context keys
const (
	CtxIdentityKey   = "rt.identity"
	CtxAuthHashKey   = "rt.authorizationHash"
	HeaderInternal   = "X-Internal-Key"
	headerAuthPrefix = "bearer "
)

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (security.Identity, error)
}

// BearerToken reads "Authorization: Bearer <token>".
func BearerToken(c *gin.Context) string {
	authz := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(authz) > len(headerAuthPrefix) && strings.EqualFold(authz[:len(headerAuthPrefix)], headerAuthPrefix) {
		return strings.TrimSpace(authz[len(headerAuthPrefix):])
	}
	return ""
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's identity on the context.
func Middleware(v TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			Abort(c, errs.ErrUnauthenticated.WrapMsg("missing bearer token"))
			return
		}
		id, err := v.Verify(c.Request.Context(), token)
		if err != nil {
			Abort(c, err)
			return
		}
		c.Set(CtxIdentityKey, id)
		c.Set(CtxAuthHashKey, security.HashToken(token))
		c.Next()
	}
}

// InternalKey guards routes called by other backend services. An empty key
// closes the routes entirely.
func InternalKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderInternal)
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			Abort(c, errs.ErrNoPermission.WrapMsg("internal route"))
			return
		}
		c.Next()
	}
}

func IdentityFrom(c *gin.Context) (security.Identity, bool) {
	v, ok := c.Get(CtxIdentityKey)
	if !ok {
		return security.Identity{}, false
	}
	id, ok := v.(security.Identity)
	return id, ok
}

// Abort writes err as a CodeError body with the matching HTTP status.
func Abort(c *gin.Context, err error) {
	ce := errs.FromError(err)
	c.AbortWithStatusJSON(errs.HTTPStatus(ce.Code), ce)
}
