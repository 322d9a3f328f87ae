package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"blockflow/internal/middleware"
	"blockflow/internal/services"
)

// SecretStore is the per-user secret storage used by the API
type SecretStore interface {
	SetSecret(ctx context.Context, userID, name, value string) error
	DeleteSecret(ctx context.Context, userID, name string) error
	ListNames(ctx context.Context, userID string) ([]string, error)
}

// SecretHandler manages the secrets injected into scheduled runs. Values are
// write-only over the API.
type SecretHandler struct {
	secrets SecretStore
}

// NewSecretHandler creates a new secret handler
func NewSecretHandler(secrets SecretStore) *SecretHandler {
	return &SecretHandler{secrets: secrets}
}

// Set stores a secret
// PUT /api/secrets/:name
func (h *SecretHandler) Set(c *fiber.Ctx) error {
	var req struct {
		Value string `json:"value"`
	}
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid request body")
	}
	name := c.Params("name")
	if err := h.secrets.SetSecret(c.UserContext(), middleware.UserID(c), name, req.Value); err != nil {
		logrus.Errorf("❌ [SECRETS] Failed to store secret %s: %v", name, err)
		return jsonError(c, fiber.StatusInternalServerError, "Failed to store secret")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// List returns the caller's secret names
// GET /api/secrets
func (h *SecretHandler) List(c *fiber.Ctx) error {
	names, err := h.secrets.ListNames(c.UserContext(), middleware.UserID(c))
	if err != nil {
		logrus.Errorf("❌ [SECRETS] Failed to list secrets: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "Failed to list secrets")
	}
	return c.JSON(fiber.Map{"names": names})
}

// Delete removes a secret
// DELETE /api/secrets/:name
func (h *SecretHandler) Delete(c *fiber.Ctx) error {
	name := c.Params("name")
	err := h.secrets.DeleteSecret(c.UserContext(), middleware.UserID(c), name)
	if errors.Is(err, services.ErrSecretNotFound) {
		return jsonError(c, fiber.StatusNotFound, "Secret not found")
	}
	if err != nil {
		logrus.Errorf("❌ [SECRETS] Failed to delete secret %s: %v", name, err)
		return jsonError(c, fiber.StatusInternalServerError, "Failed to delete secret")
	}
	return c.SendStatus(fiber.StatusNoContent)
}
