package web

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-mechaverse/pkg/motion"
)

// handleStatus returns bridge liveness and counters
func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := fiber.Map{"bridge": nil}
	if s.opts.Bridge != nil {
		resp["bridge"] = fiber.Map{
			"status": s.opts.Bridge.Status(),
			"stats":  s.opts.Bridge.Stats(),
		}
	}
	if s.opts.Status != nil {
		resp["observers"] = s.opts.Status.ClientCount()
	}
	return c.JSON(resp)
}

// handleJoints returns the live pose in radians
func (s *Server) handleJoints(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"joints": s.opts.Joints.Joints(),
		"values": s.opts.Joints.Values(),
	})
}

// handleEvents returns recent status events
func (s *Server) handleEvents(c *fiber.Ctx) error {
	return c.JSON(s.Events())
}

// handleMotions applies a motion batch, the same JSON the planner emits
func (s *Server) handleMotions(c *fiber.Ctx) error {
	if s.opts.Animator == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "animator not configured",
		})
	}

	motions, err := motion.ParseMotions(c.Body())
	if err != nil {
		status := fiber.StatusBadRequest
		if errors.Is(err, motion.ErrNoMotions) {
			status = fiber.StatusUnprocessableEntity
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}

	opts := s.opts.Motion
	if c.QueryBool("instant") {
		opts.Instant = true
	}
	run := s.opts.Animator.Apply(motions, opts)
	return c.JSON(fiber.Map{
		"targets": run.Targets(),
		"skipped": run.Skipped(),
	})
}
