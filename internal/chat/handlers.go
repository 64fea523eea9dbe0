package chat

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/alumnihub/backend/internal/auth"
	"github.com/alumnihub/backend/internal/httpx"
	"github.com/alumnihub/backend/internal/utils"
)

type Service struct {
	Store      *Store
	Dispatcher *Dispatcher
}

type directReq struct {
	OtherUserID string `json:"other_user_id" binding:"required"`
}

type groupReq struct {
	Name      string   `json:"name" binding:"required"`
	MemberIDs []string `json:"member_ids" binding:"required,min=1"`
}

type addReq struct {
	UserID string `json:"user_id" binding:"required"`
}

type readReq struct {
	Timestamp time.Time `json:"timestamp"`
}

type sendReq struct {
	ConversationID string         `json:"conversation_id" binding:"required"`
	Content        string         `json:"content" binding:"required"`
	Type           string         `json:"type"`
	Metadata       map[string]any `json:"metadata"`
}

type pageReq struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

func Register(rg *gin.RouterGroup, store *Store, dispatcher *Dispatcher) {
	s := Service{Store: store, Dispatcher: dispatcher}

	rg.POST("/conversations/direct", s.createDirect)
	rg.POST("/conversations/group", s.createGroup)
	rg.GET("/conversations", s.listMine)
	rg.POST("/conversations/:id/participants", s.addParticipant)
	rg.DELETE("/conversations/:id/participants/:userId", s.removeParticipant)
	rg.POST("/conversations/:id/read", s.markRead)
	rg.GET("/conversations/:id/messages", s.listMessages)
	rg.POST("/messages", s.send)
}

func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(validationErrors))
			return false
		}
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func serviceErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotAParticipant):
		status = http.StatusForbidden
	case errors.Is(err, ErrConversationNotFound):
		status = http.StatusNotFound
	}
	httpx.ErrCode(c, status, ErrorCode(err), err.Error())
}

func (s Service) createDirect(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req directReq
	if !bindJSON(c, &req) {
		return
	}

	conv, created, err := s.Store.CreateDirect(c.Request.Context(), uid, req.OtherUserID)
	if err != nil {
		serviceErr(c, err)
		return
	}
	httpx.OK(c, gin.H{"conversation": conv, "created": created})
}

func (s Service) createGroup(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req groupReq
	if !bindJSON(c, &req) {
		return
	}

	conv, err := s.Store.CreateGroup(c.Request.Context(), uid, req.Name, req.MemberIDs)
	if err != nil {
		serviceErr(c, err)
		return
	}
	httpx.OK(c, gin.H{"conversation": conv})
}

func (s Service) listMine(c *gin.Context) {
	uid := auth.MustUserID(c)

	list, err := s.Store.ListMine(c.Request.Context(), uid)
	if err != nil {
		serviceErr(c, err)
		return
	}
	httpx.OK(c, gin.H{"conversations": list})
}

func (s Service) addParticipant(c *gin.Context) {
	uid := auth.MustUserID(c)
	convID := c.Param("id")

	// only current participants may add someone
	active, err := s.Store.IsActiveParticipant(c.Request.Context(), convID, uid)
	if err != nil {
		serviceErr(c, err)
		return
	}
	if !active {
		serviceErr(c, ErrNotAParticipant)
		return
	}

	var req addReq
	if !bindJSON(c, &req) {
		return
	}

	if err := s.Store.AddParticipant(c.Request.Context(), convID, req.UserID); err != nil {
		serviceErr(c, err)
		return
	}
	httpx.OK(c, gin.H{"ok": true})
}

func (s Service) removeParticipant(c *gin.Context) {
	uid := auth.MustUserID(c)
	convID := c.Param("id")
	target := c.Param("userId")

	// a user may leave; removing someone else requires being a participant
	if target != uid {
		active, err := s.Store.IsActiveParticipant(c.Request.Context(), convID, uid)
		if err != nil {
			serviceErr(c, err)
			return
		}
		if !active {
			serviceErr(c, ErrNotAParticipant)
			return
		}
	}

	if err := s.Store.RemoveParticipant(c.Request.Context(), convID, target); err != nil {
		serviceErr(c, err)
		return
	}
	httpx.OK(c, gin.H{"ok": true})
}

func (s Service) markRead(c *gin.Context) {
	uid := auth.MustUserID(c)
	convID := c.Param("id")

	var req readReq
	if !bindJSON(c, &req) {
		return
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if err := s.Store.MarkRead(c.Request.Context(), convID, uid, ts); err != nil {
		serviceErr(c, err)
		return
	}
	httpx.OK(c, gin.H{"ok": true})
}

func (s Service) listMessages(c *gin.Context) {
	uid := auth.MustUserID(c)
	convID := c.Param("id")

	active, err := s.Store.IsActiveParticipant(c.Request.Context(), convID, uid)
	if err != nil {
		serviceErr(c, err)
		return
	}
	if !active {
		serviceErr(c, ErrNotAParticipant)
		return
	}

	var q pageReq
	_ = c.BindQuery(&q)

	list, err := s.Store.ListMessages(c.Request.Context(), convID, q.Limit, q.Offset)
	if err != nil {
		serviceErr(c, err)
		return
	}
	httpx.OK(c, gin.H{"messages": list})
}

func (s Service) send(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req sendReq
	if !bindJSON(c, &req) {
		return
	}

	msg, err := s.Dispatcher.Send(c.Request.Context(), SendInput{
		ConversationID: req.ConversationID,
		SenderID:       uid,
		Content:        req.Content,
		Type:           req.Type,
		Metadata:       req.Metadata,
	})
	if err != nil {
		serviceErr(c, err)
		return
	}
	httpx.OK(c, gin.H{"message_id": msg.ID, "created_at": msg.CreatedAt})
}
