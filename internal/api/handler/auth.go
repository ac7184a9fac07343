package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"roomchat/backend/internal/chathub"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jwt "github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "roomchat-service"

var errNoToken = errors.New("authorization token missing")

// Claims carries the session identity inside the JWT.
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies identity tokens (HS256).
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue генерує JWT для ідентичності користувача
func (t *TokenIssuer) Issue(id chathub.Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: id.UserID,
		Name:   id.UserName,
		Avatar: id.UserImage,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse validates tokenString and returns the identity it carries.
func (t *TokenIssuer) Parse(tokenString string) (chathub.Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return chathub.Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.UserID == "" {
		return chathub.Identity{}, errors.New("parse token: user_id claim missing")
	}
	return chathub.Identity{UserID: claims.UserID, UserName: claims.Name, UserImage: claims.Avatar}, nil
}

// identify resolves the caller from "Authorization: Bearer" or the token query
// parameter (browsers cannot set headers on WebSocket upgrades).
func (h *Handler) identify(c *gin.Context) (chathub.Identity, error) {
	tokenString := ""
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		tokenString = strings.TrimSpace(auth[len("Bearer "):])
	}
	if tokenString == "" {
		tokenString = c.Query("token")
	}
	if tokenString == "" {
		if h.AllowAnonymous {
			return chathub.Identity{}, nil
		}
		return chathub.Identity{}, errNoToken
	}
	return h.Tokens.Parse(tokenString)
}

type tokenRequest struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName" binding:"required,max=64"`
	UserImage string `json:"userImage" binding:"omitempty,url"`
}

// IssueToken видає JWT для локальної розробки (заміна автентифікації).
func (h *Handler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": chathub.CodeValidation})
		return
	}
	if req.UserID == "" {
		req.UserID = uuid.NewString()
	}

	id := chathub.Identity{UserID: req.UserID, UserName: req.UserName, UserImage: req.UserImage}
	token, err := h.Tokens.Issue(id)
	if err != nil {
		h.Log.Error("failed to create token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token", "code": chathub.CodeInternal})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "userId": id.UserID})
}
