package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"mapmo/backend/internal/config"
	"mapmo/backend/internal/localization"
	"mapmo/backend/internal/models"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const ctxUserID = "anon_id"

// Claims binds a token to one anonymous user.
type Claims struct {
	AnonID string `json:"anon_id"`
	jwt.RegisteredClaims
}

// generateJWT issues a token for anonID.
func (h *Handler) generateJWT(anonID string) (string, error) {
	now := h.now()
	claims := Claims{
		AnonID: anonID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    config.TokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(config.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}

// validateAndGetAnonID verifies the signature, issuer and expiry of a token
// and returns the user it was issued to.
func (h *Handler) validateAndGetAnonID(tokenString string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return h.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(config.TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(h.now),
	)
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.AnonID == "" {
		return "", errors.New("token has no anon_id")
	}
	return claims.AnonID, nil
}

// AuthMiddleware accepts a bearer token, or a "token" query parameter for
// websocket clients that cannot set headers.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			var ok bool
			tokenString, ok = strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				h.abort(c, http.StatusUnauthorized, localization.KeyUnauthorized)
				return
			}
		}
		if tokenString == "" {
			h.abort(c, http.StatusUnauthorized, localization.KeyUnauthorized)
			return
		}

		anonID, err := h.validateAndGetAnonID(tokenString)
		if err != nil {
			h.log.DebugContext(c.Request.Context(), "rejected token", "error", err)
			h.abort(c, http.StatusUnauthorized, localization.KeyUnauthorized)
			return
		}
		c.Set(ctxUserID, anonID)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

type profileRequest struct {
	Nickname   string   `json:"nickname"`
	Gender     string   `json:"gender"`
	Preference string   `json:"preference"`
	Goal       string   `json:"goal"`
	Interests  []string `json:"interests"`
}

// GetAnonID creates an anonymous user, optionally with a profile, and
// returns a token for it.
func (h *Handler) GetAnonID(c *gin.Context) {
	var req profileRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.abort(c, http.StatusBadRequest, localization.KeyInvalidRequest)
		return
	}
	if req.Preference == "" {
		req.Preference = models.PreferenceAny
	}

	user := &models.User{
		ID:         uuid.New().String(),
		Nickname:   req.Nickname,
		Gender:     req.Gender,
		Preference: req.Preference,
		Goal:       req.Goal,
		Interests:  req.Interests,
	}
	if err := user.Validate(); err != nil {
		h.abort(c, http.StatusBadRequest, localization.KeyInvalidRequest)
		return
	}
	if err := h.Storage.SaveUser(c.Request.Context(), user); err != nil {
		h.fail(c, err)
		return
	}

	token, err := h.generateJWT(user.ID)
	if err != nil {
		h.fail(c, fmt.Errorf("sign token: %w", err))
		return
	}
	h.respond(c, http.StatusOK, localization.KeyProfileCreated, gin.H{
		"token":   token,
		"anon_id": user.ID,
		"user":    user,
	})
}
