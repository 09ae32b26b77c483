package controller

import (
	"github.com/gofiber/fiber/v2"

	"quillsync-be/internal/dto"
	"quillsync-be/internal/pkg/serverutils"
	"quillsync-be/internal/service"
	"quillsync-be/internal/store"
)

type ISnapshotController interface {
	RegisterRoutes(r fiber.Router)
	Create(ctx *fiber.Ctx) error
	List(ctx *fiber.Ctx) error
	Show(ctx *fiber.Ctx) error
	Restore(ctx *fiber.Ctx) error
}

type snapshotController struct {
	snapshotService service.ISnapshotService
}

func NewSnapshotController(snapshotService service.ISnapshotService) ISnapshotController {
	return &snapshotController{snapshotService: snapshotService}
}

func (c *snapshotController) RegisterRoutes(r fiber.Router) {
	h := r.Group("/snapshot/v1/:owner/:project")
	h.Post("/:doc", c.Create)
	h.Get("/:doc", c.List)
	h.Get("/id/:id", c.Show)
	h.Post("/id/:id/restore", c.Restore)
}

func tenantFromParams(ctx *fiber.Ctx) (store.TenantKey, error) {
	key := store.TenantKey{Owner: ctx.Params("owner"), Project: ctx.Params("project")}
	return key, key.Validate()
}

func (c *snapshotController) Create(ctx *fiber.Ctx) error {
	tenant, err := tenantFromParams(ctx)
	if err != nil {
		return err
	}
	if !store.IsPathSafe(ctx.Params("doc")) {
		return fiber.NewError(fiber.StatusBadRequest, "malformed document identifier")
	}

	var req dto.CreateSnapshotRequest
	if err := ctx.BodyParser(&req); err != nil {
		return err
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.snapshotService.Create(ctx.Context(), tenant, ctx.Params("doc"), &req)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success create snapshot", res))
}

func (c *snapshotController) List(ctx *fiber.Ctx) error {
	tenant, err := tenantFromParams(ctx)
	if err != nil {
		return err
	}
	res, err := c.snapshotService.List(ctx.Context(), tenant, ctx.Params("doc"))
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success list snapshots", res))
}

func (c *snapshotController) Show(ctx *fiber.Ctx) error {
	tenant, err := tenantFromParams(ctx)
	if err != nil {
		return err
	}
	res, err := c.snapshotService.Get(ctx.Context(), tenant, ctx.Params("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success show snapshot", res))
}

func (c *snapshotController) Restore(ctx *fiber.Ctx) error {
	tenant, err := tenantFromParams(ctx)
	if err != nil {
		return err
	}
	res, err := c.snapshotService.Restore(ctx.Context(), tenant, ctx.Params("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success restore snapshot", res))
}
