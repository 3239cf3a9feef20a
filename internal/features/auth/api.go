package auth

import (
	"puppyday/internal/common/api"

	"github.com/gofiber/fiber/v2"
)

type AuthApi struct {
	controller *AuthController
}

func NewAuthApi(controller *AuthController) api.Route {
	return &AuthApi{controller: controller}
}

func (h *AuthApi) Setup(app *fiber.App) {
	authGroup := app.Group("/api/auth")

	authGroup.Post("/login", h.controller.Login)
	authGroup.Post("/register", h.controller.Register)
}
