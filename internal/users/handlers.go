package users

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/alumnihub/backend/internal/auth"
	"github.com/alumnihub/backend/internal/config"
	"github.com/alumnihub/backend/internal/httpx"
	"github.com/alumnihub/backend/internal/presence"
	"github.com/alumnihub/backend/internal/utils"
)

type Service struct {
	DB        *sql.DB
	JWTSecret string
	JWTTTLMin int
	Presence  *presence.Tracker
}

type loginReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func RegisterPublic(rg *gin.RouterGroup, db *sql.DB, cfg config.Config) {
	s := Service{
		DB:        db,
		JWTSecret: cfg.JWTSecret,
		JWTTTLMin: cfg.JWTTTLMin,
	}
	rg.POST("/login", s.login)
}

func Register(rg *gin.RouterGroup, db *sql.DB, tracker *presence.Tracker) {
	s := Service{
		DB:       db,
		Presence: tracker,
	}
	rg.GET("/me", s.getMe)
	rg.GET("/online-users", s.onlineUsers)
}

func (s Service) login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(validationErrors))
			return
		}
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return
	}

	row := s.DB.QueryRow(`SELECT id, password_hash, is_active FROM users WHERE email=?`, req.Email)

	var id, hash string
	var isActive bool
	if err := row.Scan(&id, &hash, &isActive); err != nil {
		httpx.Err(c, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := auth.CheckPassword(hash, req.Password); err != nil {
		httpx.Err(c, http.StatusUnauthorized, "invalid credentials")
		return
	}
	// is_active is the account flag, not presence: a disabled account
	// cannot log in no matter what is_online says.
	if !isActive {
		httpx.Err(c, http.StatusForbidden, "account disabled")
		return
	}

	tok, err := auth.NewToken(s.JWTSecret, id, s.JWTTTLMin)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "token generation failed")
		return
	}
	httpx.OK(c, gin.H{"token": tok, "user_id": id})
}

func (s Service) getMe(c *gin.Context) {
	uid := auth.MustUserID(c)
	if uid == "" {
		httpx.Err(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	row := s.DB.QueryRow(
		`SELECT id, email, first_name, last_name, COALESCE(avatar_url, ''), is_online, last_seen
		 FROM users WHERE id=?`, uid)

	var id, email, first, last, avatar string
	var isOnline bool
	var lastSeen sql.NullTime
	if err := row.Scan(&id, &email, &first, &last, &avatar, &isOnline, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			httpx.Err(c, http.StatusNotFound, "user not found")
		} else {
			log.Error().Err(err).Msg("load profile")
			httpx.Err(c, http.StatusInternalServerError, "database error")
		}
		return
	}

	resp := gin.H{
		"id":         id,
		"email":      email,
		"first_name": first,
		"last_name":  last,
		"avatar_url": avatar,
		"is_online":  isOnline,
	}
	if lastSeen.Valid {
		resp["last_seen"] = lastSeen.Time
	}
	httpx.OK(c, resp)
}

// onlineUsers lists display info for everyone the presence registry
// reports as connected right now. The registry is the source of truth,
// not the persisted is_online flag.
func (s Service) onlineUsers(c *gin.Context) {
	ids, err := s.Presence.OnlineUsers(c.Request.Context())
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "presence lookup failed")
		return
	}
	if len(ids) == 0 {
		httpx.OK(c, gin.H{"online_users": []gin.H{}})
		return
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.DB.Query(
		`SELECT id, first_name, last_name, COALESCE(avatar_url, '')
		 FROM users WHERE id IN (`+placeholders+`) AND is_active=1`, args...)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "database error")
		return
	}
	defer rows.Close()

	list := make([]gin.H, 0, len(ids))
	for rows.Next() {
		var id, first, last, avatar string
		if err := rows.Scan(&id, &first, &last, &avatar); err != nil {
			log.Error().Err(err).Msg("scan online user")
			continue
		}
		list = append(list, gin.H{
			"id":          id,
			"displayName": strings.TrimSpace(first + " " + last),
			"avatarUrl":   avatar,
		})
	}
	if err := rows.Err(); err != nil {
		httpx.Err(c, http.StatusInternalServerError, "database error")
		return
	}
	httpx.OK(c, gin.H{"online_users": list, "fetched_at": time.Now().UTC()})
}
