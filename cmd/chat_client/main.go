package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"umrah_chat_service/internal/chat/gateway"
	"umrah_chat_service/internal/chat/store"
	"umrah_chat_service/internal/chat/transport"
	"umrah_chat_service/pkg/config"
	"umrah_chat_service/pkg/logger"
	"umrah_chat_service/pkg/token"

	"go.uber.org/zap"
)

// demo 用的 chat client：連上 backend、載入聊天室列表，
// 然後把 store 的狀態變化印出來
func main() {
	logger.Log = logger.Initialize("chat_client", config.EnvConfig.ChatClientLogPath)
	cfg := config.LoadConfig[config.ChatClient]("chat_client", config.EnvConfig.ChatClientYAMLPath)
	cfg.Normalize()

	tokens := &token.JWTProvider{Value: config.EnvConfig.BearerToken}

	gw := gateway.New(cfg, tokens, logger.Log)
	tp := transport.New(cfg, tokens, logger.Log)
	st := store.New(cfg.UserID, cfg.UserType, gw, tp, logger.Log)

	ctx := context.Background()
	st.Start(ctx)
	defer st.Stop()

	unsubscribe := st.OnChange(func() {
		fmt.Printf("[%s] chats=%d active=%q err=%v\n",
			st.ConnState(), len(st.Chats()), st.ActiveChatID(), st.Err())
	})
	defer unsubscribe()

	if err := st.LoadChats(ctx); err != nil {
		logger.Log.Errorf("load chats failed:", err)
	}

	for _, c := range st.Chats() {
		logger.Log.Info("chat",
			zap.String("id", c.ID),
			zap.String("title", c.Title),
			zap.Int("unread", c.UnreadCount),
		)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("chat client shutting down")
	logger.Log.Sync()
}
