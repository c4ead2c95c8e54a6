package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Verifier validates bearer JWTs on the control API against a remote JWKS.
// Keys are cached and refreshed in the background so token verification
// never waits on the network.
type Verifier struct {
	jwksURL string
	cache   *jwk.Cache
}

func NewVerifier(jwksURL string) (*Verifier, error) {
	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	// Warm up the cache so the first request doesn't pay the fetch.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &Verifier{jwksURL: jwksURL, cache: cache}, nil
}

// Middleware rejects requests without a valid bearer token and exposes the
// token subject as "subject" in the gin context.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		keySet, err := v.cache.Get(c.Request.Context(), v.jwksURL)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "key set unavailable"})
			c.Abort()
			return
		}

		token, err := jwt.ParseRequest(c.Request,
			jwt.WithKeySet(keySet),
			jwt.WithValidate(true),
		)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("subject", token.Subject())
		c.Next()
	}
}
