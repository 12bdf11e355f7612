// handlers/referral_routes.go
package handlers

import (
	"github.com/UniverseGames8/UniFarm2-sub003/middleware"
	"github.com/UniverseGames8/UniFarm2-sub003/models"
	"github.com/UniverseGames8/UniFarm2-sub003/services"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

func SetupReferralRoutes(app *fiber.App, referralService *services.ReferralService, coordinator *services.BatchCoordinator) {
	securedGroup := app.Group("/s", middleware.UserContextMiddleware())

	// Register the caller's Telegram identity, creating the participant
	// row with a fresh public code on first contact.
	securedGroup.Post("/participants/sync", func(c *fiber.Ctx) error {
		var req struct {
			TelegramID int64  `json:"telegram_id"`
			Username   string `json:"username"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}

		participant, err := referralService.EnsureParticipant(c.Context(), req.TelegramID, req.Username)
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(fiber.Map{
			"id":       participant.ID,
			"ref_code": participant.RefCode,
		})
	})

	// Bind the caller to an inviter's public code (set-once; a repeat
	// attempt reports the existing binding).
	securedGroup.Post("/referrals/bind", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		var req struct {
			RefCode string `json:"ref_code"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}

		res, err := referralService.BindInviter(c.Context(), userID, req.RefCode)
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(res)
	})

	// Aggregated downward view: per-level counts and reward totals.
	securedGroup.Get("/referrals/structure", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		stats, err := referralService.GetReferralStructure(c.Context(), userID)
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(fiber.Map{"levels": stats})
	})

	// Queue a reward event for distribution. Collaborator services may
	// queue on behalf of another source participant.
	securedGroup.Post("/rewards/queue", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		var req struct {
			SourceID string          `json:"source_id"`
			Amount   decimal.Decimal `json:"amount"`
			Currency models.Currency `json:"currency"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		if req.SourceID == "" {
			req.SourceID = userID
		}
		if req.Currency == "" {
			req.Currency = models.CurrencyUni
		}

		batchID, err := coordinator.Enqueue(c.Context(), req.SourceID, req.Amount, req.Currency)
		if err != nil {
			return respondErr(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"batch_id": batchID})
	})

	// Batch log inspection for operator tooling.
	securedGroup.Get("/rewards/batch/:id", func(c *fiber.Ctx) error {
		batch, err := coordinator.GetBatch(c.Context(), c.Params("id"))
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(batch)
	})
}
