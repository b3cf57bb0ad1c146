package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gopherai-codegen/internal/bootstrap"
	"gopherai-codegen/internal/transport/http/handler"
	"gopherai-codegen/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(middleware.RequestLogger(app.Logger), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", gin.WrapH(app.Relay))

	authHandler := handler.NewAuthHandler(app.AuthService, app.Config.Auth.CookieSecure)
	projectHandler := handler.NewProjectHandler(app.ProjectService, app.Relay)
	messageHandler := handler.NewMessageHandler(app.ProjectService, app.Messages)
	aiHandler := handler.NewAIHandler(app.AIService, app.Config.LLM.MaxTokens)

	registerAPI(router.Group("/api/v1"), app.AuthService, authHandler, projectHandler, messageHandler, aiHandler)
	return router
}

func registerAPI(
	v1 *gin.RouterGroup,
	auth middleware.Authenticator,
	authHandler *handler.AuthHandler,
	projectHandler *handler.ProjectHandler,
	messageHandler *handler.MessageHandler,
	aiHandler *handler.AIHandler,
) {
	requireAuth := middleware.AuthJWT(auth)

	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.POST("/logout", authHandler.Logout)
	authGroup.GET("/me", requireAuth, authHandler.Me)

	v1.GET("/users", requireAuth, authHandler.ListUsers)

	aiGroup := v1.Group("/ai")
	aiGroup.Use(requireAuth)
	aiGroup.POST("/chat", aiHandler.Chat)
	aiGroup.POST("/chat/stream", aiHandler.StreamChat)
	aiGroup.POST("/template", aiHandler.Template)
	aiGroup.POST("/template/brief", aiHandler.TemplateFromBrief)

	projectGroup := v1.Group("/projects")
	projectGroup.Use(requireAuth)
	projectGroup.POST("", projectHandler.Create)
	projectGroup.GET("", projectHandler.List)
	projectGroup.GET("/:id", projectHandler.Get)
	projectGroup.PUT("/:id/collaborators", projectHandler.AddCollaborators)
	projectGroup.PUT("/:id/file-tree", projectHandler.UpdateFileTree)
	projectGroup.DELETE("/:id", projectHandler.Delete)
	projectGroup.GET("/:id/messages", messageHandler.List)
	projectGroup.GET("/:id/messages/search", messageHandler.Search)
}
