// Package api exposes the manager-facing HTTP surface: dialog browsing,
// message sending, companion dialog lookup, knowledge file management, and
// the live update stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"askbotgo/internal/chat"
	"askbotgo/internal/config"
	"askbotgo/internal/files"
	"askbotgo/internal/models"
	"askbotgo/internal/ws"
)

const defaultMessageLimit = 50

// ChatAPI is the slice of the chat client the handlers need.
type ChatAPI interface {
	GetDialog(ctx context.Context, dialogID string) (*models.Dialog, error)
	GetUserDialogs(ctx context.Context, userID string, q chat.DialogQuery) ([]models.Dialog, error)
	GetDialogMessages(ctx context.Context, dialogID string, limit int, sort string) ([]models.Message, error)
	CreateMessage(ctx context.Context, dialogID string, req chat.CreateMessageRequest) (*models.Message, error)
}

// Handler wires HTTP routes to the chat backend and the live stream hub.
type Handler struct {
	chat     ChatAPI
	files    *files.Service
	hub      *ws.Hub
	manager  config.IdentityConfig
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler instance. files may be nil when the file
// store is not configured.
func NewHandler(chatAPI ChatAPI, fileService *files.Service, hub *ws.Hub, manager config.IdentityConfig) *Handler {
	return &Handler{
		chat:    chatAPI,
		files:   fileService,
		hub:     hub,
		manager: manager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.GET("/ws", h.serveWS)

	api := router.Group("/api")
	dialogs := api.Group("/dialogs")
	dialogs.GET("", h.getManagerDialogs)
	dialogs.GET("/:dialogId", h.getDialog)
	dialogs.GET("/:dialogId/messages", h.getDialogMessages)
	dialogs.POST("/:dialogId/messages", h.sendMessage)

	companion := api.Group("/companion-bot")
	companion.GET("/dialog/:clientDialogId", h.getCompanionDialog)
	companion.GET("/messages/:clientDialogId", h.getCompanionMessages)
	companion.POST("/messages/:companionDialogId", h.sendCompanionMessage)

	if h.files != nil {
		fileRoutes := api.Group("/files")
		fileRoutes.GET("", h.listFiles)
		fileRoutes.POST("", h.uploadFile)
		fileRoutes.DELETE("/:id", h.deleteFile)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.hub.Count()})
}

func (h *Handler) serveWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	h.hub.Register(conn)
}

func (h *Handler) getManagerDialogs(c *gin.Context) {
	dialogs, err := h.chat.GetUserDialogs(c.Request.Context(), h.manager.UserID, chat.DialogQuery{
		Filter: fmt.Sprintf("(meta.type,ne,%s)", models.DialogTypeCompanionBot),
		Sort:   "(lastInteractionAt,desc)",
		Limit:  100,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, dialogs)
}

func (h *Handler) getDialog(c *gin.Context) {
	dialog, err := h.chat.GetDialog(c.Request.Context(), c.Param("dialogId"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, dialog)
}

func (h *Handler) getDialogMessages(c *gin.Context) {
	messages, err := h.chat.GetDialogMessages(c.Request.Context(), c.Param("dialogId"),
		limitParam(c), `{"createdAt":1}`)
	if err != nil {
		fail(c, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	ok(c, messages)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	h.sendAsManager(c, c.Param("dialogId"))
}

func (h *Handler) sendCompanionMessage(c *gin.Context) {
	h.sendAsManager(c, c.Param("companionDialogId"))
}

// sendAsManager persists a manager message and pushes it to the live stream
// so the frontend does not wait for the broker round trip.
func (h *Handler) sendAsManager(c *gin.Context, dialogID string) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "content is required"})
		return
	}
	message, err := h.chat.CreateMessage(c.Request.Context(), dialogID, chat.CreateMessageRequest{
		SenderID: h.manager.UserID,
		Type:     "internal.text",
		Content:  req.Content,
	})
	if err != nil {
		fail(c, err)
		return
	}
	h.hub.Broadcast(map[string]any{
		"type":     "message.created",
		"dialogId": dialogID,
		"message":  message,
	})
	ok(c, message)
}

// getCompanionDialog prefers the binding meta on the client dialog, falling
// back to the legacy filter search for dialogs created before bindings.
func (h *Handler) getCompanionDialog(c *gin.Context) {
	clientDialogID := c.Param("clientDialogId")
	ctx := c.Request.Context()

	if boundID := h.boundCompanionID(ctx, clientDialogID); boundID != "" {
		if dialog, err := h.chat.GetDialog(ctx, boundID); err == nil {
			ok(c, dialog)
			return
		}
	}

	dialog, err := h.findLegacyCompanion(ctx, clientDialogID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, dialog)
}

func (h *Handler) getCompanionMessages(c *gin.Context) {
	clientDialogID := c.Param("clientDialogId")
	ctx := c.Request.Context()

	companionDialogID := h.boundCompanionID(ctx, clientDialogID)
	if companionDialogID == "" {
		dialog, err := h.findLegacyCompanion(ctx, clientDialogID)
		if err != nil {
			fail(c, err)
			return
		}
		if dialog == nil {
			ok(c, []models.Message{})
			return
		}
		companionDialogID = dialog.ResolveID()
	}

	messages, err := h.chat.GetDialogMessages(ctx, companionDialogID, limitParam(c), `{"createdAt":1}`)
	if err != nil {
		fail(c, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	ok(c, messages)
}

func (h *Handler) boundCompanionID(ctx context.Context, clientDialogID string) string {
	dialog, err := h.chat.GetDialog(ctx, clientDialogID)
	if err != nil {
		return ""
	}
	return models.UnwrapMetaString(dialog.Meta[models.MetaCompanionDialogID])
}

func (h *Handler) findLegacyCompanion(ctx context.Context, clientDialogID string) (*models.Dialog, error) {
	filter := fmt.Sprintf("(meta.clientDialogId,eq,%q)&(meta.type,eq,%s)", clientDialogID, models.DialogTypeCompanionBot)
	dialogs, err := h.chat.GetUserDialogs(ctx, h.manager.UserID, chat.DialogQuery{Filter: filter, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(dialogs) == 0 {
		return nil, nil
	}
	return &dialogs[0], nil
}

func (h *Handler) listFiles(c *gin.Context) {
	records, err := h.files.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if records == nil {
		records = []models.FileRecord{}
	}
	ok(c, records)
}

func (h *Handler) uploadFile(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "file is required"})
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		fail(c, err)
		return
	}
	defer src.Close()

	record, err := h.files.Register(c.Request.Context(), fileHeader.Filename,
		fileHeader.Header.Get("Content-Type"), src)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.files.SyncPending(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	record, err = h.files.Get(c.Request.Context(), record.ID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, record)
}

func (h *Handler) deleteFile(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid file id"})
		return
	}
	if err := h.files.Remove(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultMessageLimit)))
	if err != nil || limit <= 0 {
		return defaultMessageLimit
	}
	return limit
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var se *chat.StatusError
	if chat.IsNotFound(err) {
		status = http.StatusNotFound
	} else if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
		status = se.Code
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}
