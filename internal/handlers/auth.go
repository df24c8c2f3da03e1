// internal/handlers/auth.go
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"liverscan-back/internal/auth"
	"liverscan-back/internal/models"
)

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	Name     string `json:"name" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

const sessionTTLSeconds = 86400

// issueSession mints a token for the user and attaches it as an
// http-only cookie alongside the JSON payload.
func issueSession(c *gin.Context, code int, user *models.User) {
	token, err := auth.GenerateToken(user.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	c.SetCookie("auth_token", token, sessionTTLSeconds, "/", "", false, true)
	respond(c, code, gin.H{"token": token, "user": user})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func Register(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		email := normalizeEmail(req.Email)

		var count int64
		db.Model(&models.User{}).Where("email = ?", email).Count(&count)
		if count > 0 {
			respondError(c, http.StatusConflict, "Email already registered")
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "Failed to hash password")
			return
		}

		user := models.User{Email: email, Password: string(hash), Name: req.Name}
		if err := db.Create(&user).Error; err != nil {
			respondError(c, http.StatusInternalServerError, "Failed to create user")
			return
		}

		issueSession(c, http.StatusCreated, &user)
	}
}

func Login(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}

		var user models.User
		err := db.Where("email = ?", normalizeEmail(req.Email)).First(&user).Error
		if err != nil || bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
			respondError(c, http.StatusUnauthorized, "Invalid credentials")
			return
		}

		issueSession(c, http.StatusOK, &user)
	}
}

func GetProfile(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userID")

		var user models.User
		if err := db.First(&user, userID).Error; err != nil {
			respondError(c, http.StatusNotFound, "User not found")
			return
		}
		respond(c, http.StatusOK, user)
	}
}

func Logout(c *gin.Context) {
	c.SetCookie("auth_token", "", -1, "/", "", false, true)
	respond(c, http.StatusOK, gin.H{"message": "Logged out"})
}
