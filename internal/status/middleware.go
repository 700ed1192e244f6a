package status

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

// accessLog tags each request with an id and logs it once it completes.
func accessLog(log zerolog.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()

		rid := c.Get(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDHeader, rid)

		err := c.Next()

		log.Debug().
			Str("rid", rid).
			Str("ip", c.IP()).
			Str("method", c.Method()).
			Str("path", c.OriginalURL()).
			Int("status", c.Response().StatusCode()).
			Dur("latency", time.Since(start)).
			Msg("http access")
		return err
	}
}

// recoverErrors turns handler errors and panics into envelopes. Server-side
// failures never leak their message.
func recoverErrors(log zerolog.Logger) fiber.Handler {
	return func(c fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("path", c.Path()).Msg("handler panic recovered")
				err = write(c, fiber.StatusInternalServerError, "", nil)
			}
		}()

		err = c.Next()
		if err == nil {
			return nil
		}

		code, msg := fiber.StatusInternalServerError, ""
		var fe *fiber.Error
		if errors.As(err, &fe) && fe.Code > 0 {
			code = fe.Code
			if code < 500 {
				msg = fe.Message
			}
		}
		if code >= 500 {
			log.Warn().Err(err).Str("path", c.Path()).Msg("handler failed")
		}
		return write(c, code, msg, nil)
	}
}
