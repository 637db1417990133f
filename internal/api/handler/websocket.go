package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/qs3c/doc_intel_server/internal/api/middleware"
	"github.com/qs3c/doc_intel_server/internal/pkg/pubsub"
	"github.com/qs3c/doc_intel_server/internal/pkg/ws"
)

type WebSocketHandler struct {
	hub       *ws.Hub
	jwtSecret string
	upgrader  websocket.Upgrader
}

// NewWebSocketHandler allowedOrigins 为空时不校验 Origin
func NewWebSocketHandler(hub *ws.Hub, jwtSecret string, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		hub:       hub,
		jwtSecret: jwtSecret,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// controlMessage 客户端发来的订阅指令
type controlMessage struct {
	Action string `json:"action"` // subscribe | unsubscribe
	JobID  string `json:"job_id"`
}

// Handle WebSocket 连接处理，推送当前用户的任务进度
// GET /api/v1/ws?token=xxx
func (h *WebSocketHandler) Handle(c *gin.Context) {
	userID, err := middleware.Authenticate(c, h.jwtSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	client := &ws.Client{
		UserID: userID,
		Conn:   conn,
	}
	h.hub.Register(client)

	go func() {
		defer func() {
			h.hub.Unregister(client)
			conn.Close()
		}()
		for {
			var msg controlMessage
			if err := conn.ReadJSON(&msg); err != nil {
				// 格式错误的指令忽略，读取失败（断开）时退出
				var syntaxErr *json.SyntaxError
				var typeErr *json.UnmarshalTypeError
				if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
					continue
				}
				return
			}
			applyControl(client, &msg)
		}
	}()
}

func applyControl(client *ws.Client, msg *controlMessage) {
	if msg.JobID == "" {
		return
	}
	switch msg.Action {
	case "subscribe":
		client.Subscribe(msg.JobID)
	case "unsubscribe":
		client.Unsubscribe(msg.JobID)
	default:
		log.Debug().Str("user_id", client.UserID).Str("action", msg.Action).Msg("unknown websocket action")
		return
	}

	// 确认后客户端即可依赖新的订阅
	ack := &ws.Message{Type: msg.Action + "d", Data: gin.H{"job_id": msg.JobID}}
	if err := client.Send(ack); err != nil {
		log.Warn().Err(err).Str("user_id", client.UserID).Msg("failed to acknowledge websocket action")
	}
}

// RelayJobEvent 把任务事件转发给所有者关注该任务的连接
func RelayJobEvent(hub *ws.Hub) func(*pubsub.JobEvent) {
	return func(event *pubsub.JobEvent) {
		err := hub.SendJobEvent(event.OwnerID, event.JobID, &ws.Message{
			Type: event.Type,
			Data: event,
		})
		if err != nil {
			log.Warn().Err(err).Str("job_id", event.JobID).Msg("failed to relay job event")
		}
	}
}
