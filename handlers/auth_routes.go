// handlers/auth_routes.go
package handlers

import (
	"log"
	"time"

	"campaign-referral-system/services"

	"github.com/gofiber/fiber/v2"
)

// AttributionCookie is the signed "who referred me" cookie set on link
// click and cleared once a signup consumes it.
const AttributionCookie = "campaign_ref"

func SetupAuthRoutes(app *fiber.App, signup *services.SignupService, sessions *services.SessionCodec, attribution *services.AttributionCodec) {
	// Gateway forwards the identity provider's callback payload here after
	// completing the OAuth dance. This must return fast — the pipeline
	// itself enforces the deadline and defers on overrun.
	app.Post("/auth/callback", func(c *fiber.Ctx) error {
		var profile services.SignInProfile
		if err := c.BodyParser(&profile); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid callback payload",
				"cause": err.Error(),
			})
		}
		if profile.Identity == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "identity is required",
			})
		}

		// A malformed or expired cookie is identical to no referral.
		var attr *services.AttributionContext
		if raw := c.Cookies(AttributionCookie); raw != "" {
			if decoded, ok := attribution.Decode(raw); ok && attribution.IsValid(decoded) {
				attr = &decoded
			}
		}

		sess, consumed := signup.ProcessSignIn(c.UserContext(), profile, attr)
		if consumed {
			clearAttributionCookie(c)
		}

		token, err := sessions.Mint(sess)
		if err != nil {
			log.Printf("❌ [AUTH] failed to mint session token for %s: %v", profile.Identity, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to create session",
			})
		}

		c.Set("X-Session-Token", token)
		return c.JSON(fiber.Map{
			"token":   token,
			"session": sess,
		})
	})
}

func setAttributionCookie(c *fiber.Ctx, value string) {
	c.Cookie(&fiber.Cookie{
		Name:     AttributionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   int(services.AttributionTTL / time.Second),
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func clearAttributionCookie(c *fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     AttributionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}
