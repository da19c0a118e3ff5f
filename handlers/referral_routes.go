// handlers/referral_routes.go
package handlers

import (
	"errors"
	"log"
	"os"
	"time"

	"campaign-referral-system/middleware"
	"campaign-referral-system/services"
	"campaign-referral-system/utils"

	"github.com/gofiber/fiber/v2"
)

func SetupReferralRoutes(app *fiber.App, referrals *services.ReferralService, status *services.StatusService, attribution *services.AttributionCodec, kol *services.KOLIndex) {
	landingURL := os.Getenv("LANDING_URL")
	if landingURL == "" {
		landingURL = "/"
	}

	// Referral link click: validate, attribute, redirect. Any problem with
	// the code still redirects to the landing page — the visitor just
	// arrives unattributed.
	app.Get("/referral/track", func(c *fiber.Ctx) error {
		code := c.Query("ref")
		if err := referrals.Codes.ValidateFormat(code); err != nil {
			log.Printf("🚫 [TRACK] malformed ref code %q", code)
			return c.Redirect(landingURL, fiber.StatusFound)
		}

		referrer, err := referrals.FindByCode(c.UserContext(), code)
		if err != nil {
			if !errors.Is(err, services.ErrReferralNotFound) {
				log.Printf("❌ [TRACK] lookup failed for %s: %v", code, err)
			}
			return c.Redirect(landingURL, fiber.StatusFound)
		}

		if err := referrals.IncrementLinkVisits(c.UserContext(), code); err != nil {
			// Attribution still proceeds; the visit counter is cosmetic.
			log.Printf("⚠️  [TRACK] link_visits bump failed for %s: %v", code, err)
		}

		token, err := attribution.Encode(services.AttributionContext{
			ReferralCode:     code,
			ReferrerIdentity: referrer.Identity,
			Timestamp:        time.Now(),
		})
		if err != nil {
			log.Printf("❌ [TRACK] could not encode attribution for %s: %v", code, err)
			return c.Redirect(landingURL, fiber.StatusFound)
		}

		setAttributionCookie(c, token)
		return c.Redirect(landingURL, fiber.StatusFound)
	})

	// Poller endpoint for the signup outcome.
	app.Get("/referral/status", middleware.RequireSession(), func(c *fiber.Ctx) error {
		sess := middleware.SessionFromCtx(c)
		resp, err := status.Check(c.UserContext(), sess.Identity)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to check referral status",
				"cause": err.Error(),
			})
		}
		return c.JSON(resp)
	})

	// Upload the rendered share-card image; returns the CDN URL.
	app.Post("/referral/card", middleware.RequireSession(), func(c *fiber.Ctx) error {
		sess := middleware.SessionFromCtx(c)
		fileHeader, err := c.FormFile("card")
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "card image file is required",
			})
		}

		key := utils.ShareCardKey(sess.Handle)
		url, err := utils.UploadShareCard(c.UserContext(), fileHeader, key)
		if err != nil {
			log.Printf("❌ [CARD] upload failed for %s: %v", sess.Identity, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to store share card",
			})
		}
		return c.JSON(fiber.Map{"url": url})
	})

	// Force a re-read of the KOL reservation list.
	app.Post("/admin/kol/reload", middleware.RequireAdminRole(), func(c *fiber.Ctx) error {
		if err := kol.Reload(); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "kol list reload failed",
				"cause": err.Error(),
			})
		}
		return c.JSON(fiber.Map{"reloaded": true, "identities": kol.Size()})
	})
}
