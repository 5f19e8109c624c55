package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"joingate/tools/errs"
	jwtsec "joingate/tools/security"
)

// CtxClaimsKey holds the verified *jwtsec.AdminClaims.
const CtxClaimsKey = "adminClaims"

// BearerToken reads "Authorization: Bearer xxx".
func BearerToken(c *gin.Context) string {
	authz := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": errs.Code(err), "msg": err.Error()})
}

// JWT verifies the bearer token and stores its claims in the context.
func JWT(opts jwtsec.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			abort(c, errs.ErrNoPermission.WrapMsg("missing bearer token"))
			return
		}
		claims, err := jwtsec.Verify(opts, token)
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(CtxClaimsKey, claims)
		c.Next()
	}
}

// Claims returns what JWT stored, or nil.
func Claims(c *gin.Context) *jwtsec.AdminClaims {
	v, ok := c.Get(CtxClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*jwtsec.AdminClaims)
	return claims
}

// StaticToken guards machine endpoints with a shared bearer token. An empty
// expected token rejects everything.
func StaticToken(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			abort(c, errs.ErrNoPermission.WrapMsg("bad token"))
			return
		}
		c.Next()
	}
}
