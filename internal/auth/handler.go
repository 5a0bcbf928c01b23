package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vodhost/backend/internal/models"
	"github.com/vodhost/backend/pkg/response"
	"github.com/vodhost/backend/pkg/utils"
)

// UserStore persists users. *Repository implements it.
type UserStore interface {
	Create(ctx context.Context, email, passwordHash string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// TokenIssuer issues bearer tokens. *JWTService implements it.
type TokenIssuer interface {
	Generate(userID uuid.UUID, email string) (string, error)
}

// Credentials is the body for POST /auth/register and POST /auth/login.
type Credentials struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is the login response.
type TokenResponse struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	users  UserStore
	tokens TokenIssuer
	hash   func(string) (string, error)
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(users UserStore, tokens TokenIssuer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{users: users, tokens: tokens, hash: utils.HashPassword, logger: logger}
}

// Register handles POST /auth/register.
func (h *Handler) Register(c *gin.Context) {
	var req Credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "email and password required")
		return
	}
	email := normalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		response.BadRequest(c, "invalid email")
		return
	}

	hash, err := h.hash(req.Password)
	if err != nil {
		if errors.Is(err, utils.ErrPasswordTooLong) {
			response.BadRequest(c, err.Error())
			return
		}
		h.logger.Error("hash password failed", zap.Error(err))
		response.Internal(c, "failed to hash password")
		return
	}

	user, err := h.users.Create(c.Request.Context(), email, hash)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			response.BadRequest(c, "email already registered")
			return
		}
		h.logger.Error("create user failed", zap.Error(err))
		response.Internal(c, "failed to create user")
		return
	}
	h.logger.Info("user registered", zap.String("user_id", user.ID.String()))
	response.Created(c, user.ToPublic())
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req Credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "email and password required")
		return
	}

	user, err := h.users.GetByEmail(c.Request.Context(), normalizeEmail(req.Email))
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			h.logger.Error("lookup user failed", zap.Error(err))
			response.Internal(c, "failed to log in")
			return
		}
		response.Unauthorized(c, "invalid email or password")
		return
	}
	if !utils.CheckPassword(req.Password, user.Password) {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	token, err := h.tokens.Generate(user.ID, user.Email)
	if err != nil {
		h.logger.Error("generate token failed", zap.Error(err))
		response.Internal(c, "failed to generate token")
		return
	}
	response.OK(c, TokenResponse{Token: token, User: user.ToPublic()})
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
