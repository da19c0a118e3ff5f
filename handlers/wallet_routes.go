// handlers/wallet_routes.go
package handlers

import (
	"errors"

	"campaign-referral-system/middleware"
	"campaign-referral-system/services"

	"github.com/gofiber/fiber/v2"
)

type walletRequest struct {
	Address   string `json:"address"`
	ChainType string `json:"chain_type"`
}

func SetupWalletRoutes(app *fiber.App, wallets *services.WalletService) {
	// One wallet per identity, ever. A repeat submission is a conflict,
	// never an overwrite.
	app.Post("/wallet", middleware.RequireSession(), func(c *fiber.Ctx) error {
		sess := middleware.SessionFromCtx(c)

		var req walletRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid wallet payload",
				"cause": err.Error(),
			})
		}
		if req.Address == "" || req.ChainType == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "address and chain_type are required",
			})
		}

		wallet, err := wallets.Create(c.UserContext(), sess.Identity, req.Address, req.ChainType)
		if err != nil {
			switch {
			case errors.Is(err, services.ErrInvalidWalletAddress):
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "invalid wallet address for chain type",
				})
			case errors.Is(err, services.ErrWalletExists):
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{
					"error": "wallet already submitted",
				})
			default:
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error": "failed to store wallet",
					"cause": err.Error(),
				})
			}
		}
		return c.Status(fiber.StatusCreated).JSON(wallet)
	})

	app.Get("/wallet", middleware.RequireSession(), func(c *fiber.Ctx) error {
		sess := middleware.SessionFromCtx(c)
		wallet, err := wallets.FindByIdentity(c.UserContext(), sess.Identity)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to fetch wallet",
				"cause": err.Error(),
			})
		}
		if wallet == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "no wallet submitted",
			})
		}
		return c.JSON(wallet)
	})
}
