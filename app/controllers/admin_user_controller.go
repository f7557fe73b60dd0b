package controllers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/willvault/willvault/app/models"
	"github.com/willvault/willvault/app/repository"
)

// AdminUserController manages registrant accounts and their API credentials.
// All routes sit behind the admin guard.
type AdminUserController struct {
	users repository.UserRepository
}

func NewAdminUserController(users repository.UserRepository) *AdminUserController {
	return &AdminUserController{users: users}
}

type createUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleCreateUser provisions an account ready for API access.
func (uc *AdminUserController) HandleCreateUser(c *fiber.Ctx) error {
	var req createUserRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed JSON body"})
	}

	user, err := models.CreateUser(req.Name, req.Email, req.Password)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	// Operator-created accounts skip the self-service activation flow.
	user.Status = models.STATUS_ACTIVE

	if err := uc.users.Create(user); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not create user"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"user": user})
}

// HandleIssueAPIKey mints a fresh API key for the user, replacing any
// existing one. The raw secret appears in this response only.
func (uc *AdminUserController) HandleIssueAPIKey(c *fiber.Ctx) error {
	user, err := uc.userFromParam(c)
	if err != nil {
		return uc.userLookupError(c, err)
	}

	settings, err := uc.users.GetSettings(user.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not load user settings"})
	}

	replaced := settings.HasActiveAPIKey()
	rawKey, err := settings.IssueAPIKey()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not generate API key"})
	}
	if err := uc.users.SaveSettings(settings); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not store API key"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"api_key":  rawKey,
		"prefix":   settings.APIKeyPrefix,
		"replaced": replaced,
	})
}

// HandleRevokeAPIKey invalidates the user's current API key.
func (uc *AdminUserController) HandleRevokeAPIKey(c *fiber.Ctx) error {
	user, err := uc.userFromParam(c)
	if err != nil {
		return uc.userLookupError(c, err)
	}

	settings, err := uc.users.GetSettings(user.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not load user settings"})
	}
	if !settings.HasActiveAPIKey() {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_api_key", "message": "User has no active API key"})
	}

	settings.RevokeAPIKey()
	if err := uc.users.SaveSettings(settings); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not revoke API key"})
	}
	return c.JSON(fiber.Map{"revoked": true})
}

var errInvalidUserID = errors.New("invalid user id")

func (uc *AdminUserController) userFromParam(c *fiber.Ctx) (*models.User, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Params("id")), 10, 64)
	if err != nil || id == 0 {
		return nil, errInvalidUserID
	}
	return uc.users.GetByID(uint(id))
}

func (uc *AdminUserController) userLookupError(c *fiber.Ctx, err error) error {
	if errors.Is(err, errInvalidUserID) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Invalid user id"})
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Unknown user"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "User lookup failed"})
}
