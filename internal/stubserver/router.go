package stubserver

import (
	"strings"

	"umrah_chat_service/pkg/token"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const (
	// localUserID token 解出來的 user id，set c.locals name
	localUserID = "UserID"
	// localUserType token 解出來的 user type，set c.locals name
	localUserType = "UserType"
)

// JWTMiddleware validates JWT in the Authorization header
func JWTMiddleware(secret []byte) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenStr := strings.TrimPrefix(c.Get("Authorization"), "Bearer ")

		// header 沒有就退回 query 參數（websocket 有些 client 只能帶 query）
		if tokenStr == "" {
			tokenStr = c.Query("auth")
		}
		if tokenStr == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing token",
			})
		}

		claims, err := token.ParseJWT(tokenStr, secret)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid token",
			})
		}

		c.Locals(localUserID, claims.UserID)
		c.Locals(localUserType, claims.UserType)
		return c.Next()
	}
}

// NewApp 建立掛好路由的 Fiber 應用
func NewApp(hub *Hub, secret []byte) *fiber.App {
	r := fiber.New(fiber.Config{DisableStartupMessage: true})
	RegisterRoutes(r, hub, secret)
	return r
}

// RegisterRoutes 註冊 stub backend 的路由
func RegisterRoutes(r *fiber.App, hub *Hub, secret []byte) {
	r.Use(JWTMiddleware(secret))

	r.Get("/chats", hub.listChats)
	r.Post("/chats", hub.createChat)
	r.Get("/chats/:id/messages", hub.getMessages)
	r.Post("/chats/:id/messages", hub.sendMessage)
	r.Post("/chats/:id/read", hub.markRead)
	r.Post("/chats/:id/archive", hub.archiveChat)
	r.Post("/chats/:id/leave", hub.leaveChat)

	r.Get("/ws", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c)
	}))
}
