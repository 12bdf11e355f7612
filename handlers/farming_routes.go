// handlers/farming_routes.go
package handlers

import (
	"github.com/UniverseGames8/UniFarm2-sub003/middleware"
	"github.com/UniverseGames8/UniFarm2-sub003/services"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

func SetupFarmingRoutes(app *fiber.App, farmingService *services.FarmingService) {
	securedGroup := app.Group("/s", middleware.UserContextMiddleware())

	// Open a deposit funded from the caller's main balance.
	securedGroup.Post("/farming/deposit", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		var req struct {
			Amount decimal.Decimal `json:"amount"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}

		deposit, err := farmingService.CreateDeposit(c.Context(), userID, req.Amount)
		if err != nil {
			return respondErr(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"deposit_id":      deposit.ID,
			"rate_per_second": deposit.RatePerSecond,
		})
	})

	// Read farming state; ticks accrual as a side effect.
	securedGroup.Get("/farming/info", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		info, err := farmingService.GetFarmingInfo(c.Context(), userID)
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(info)
	})

	// Move the whole accumulator to main balance now, threshold bypassed.
	securedGroup.Post("/farming/harvest", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		res, err := farmingService.Harvest(c.Context(), userID)
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(res)
	})

	// Close a deposit and return its principal.
	securedGroup.Post("/farming/deposit/:id/close", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		depositID := c.Params("id")

		deposit, err := farmingService.DeactivateDeposit(c.Context(), userID, depositID)
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(deposit)
	})
}
