package middleware

import (
	"log"

	"campaign-referral-system/services"

	"github.com/gofiber/fiber/v2"
)

// SessionHeader carries the minted session JWT in both directions.
const SessionHeader = "X-Session-Token"

// SessionMiddleware parses the session token and, when the session is
// still marked processing_deferred, retries the signup pipeline exactly
// once before the request proceeds. A successful retry reissues the token
// in the response header so later requests carry the completed state.
func SessionMiddleware(sessions *services.SessionCodec, signup *services.SignupService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Get(SessionHeader)
		if token == "" {
			return c.Next()
		}

		sess, err := sessions.Parse(token)
		if err != nil {
			log.Printf("🚫 [SESSION] rejecting bad session token on %s: %v", c.Path(), err)
			return c.Next()
		}

		if sess.State == services.SessionStateDeferred {
			sess = signup.RetryDeferred(c.UserContext(), sess)
			// Reissue unconditionally: even a still-deferred session may have
			// advanced (e.g. newness got confirmed into the retry payload),
			// and the next retry must see that.
			if fresh, err := sessions.Mint(sess); err == nil {
				c.Set(SessionHeader, fresh)
			} else {
				log.Printf("⚠️  [SESSION] could not reissue token for %s: %v", sess.Identity, err)
			}
		}

		c.Locals("session", sess)
		return c.Next()
	}
}

// RequireSession guards routes that need an authenticated caller.
func RequireSession() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if SessionFromCtx(c) == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "valid session token required",
			})
		}
		return c.Next()
	}
}

// SessionFromCtx returns the parsed session or nil.
func SessionFromCtx(c *fiber.Ctx) *services.Session {
	sess, _ := c.Locals("session").(*services.Session)
	return sess
}
