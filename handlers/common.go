package handlers

import (
	"errors"
	"log"

	"github.com/UniverseGames8/UniFarm2-sub003/services"
	"github.com/gofiber/fiber/v2"
)

// respondErr maps the service error taxonomy onto HTTP statuses. Anything
// outside the taxonomy is logged and returned as a generic internal error
// so storage detail never leaks to clients.
func respondErr(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrInsufficientFunds):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		log.Printf("❌ [HTTP] internal error on %s: %v", c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}
