package controller

import (
	"github.com/gofiber/fiber/v2"

	"quillsync-be/internal/pkg/serverutils"
	"quillsync-be/internal/service"
	"quillsync-be/internal/store"
)

type IDocumentController interface {
	RegisterRoutes(r fiber.Router)
	Stats(ctx *fiber.Ctx) error
	DeleteDocument(ctx *fiber.Ctx) error
	DeleteTenant(ctx *fiber.Ctx) error
}

type documentController struct {
	documentService service.IDocumentService
}

func NewDocumentController(documentService service.IDocumentService) IDocumentController {
	return &documentController{documentService: documentService}
}

func (c *documentController) RegisterRoutes(r fiber.Router) {
	h := r.Group("/document/v1")
	h.Get("/:owner/:project/:doc/stats", c.Stats)
	h.Delete("/:owner/:project/:doc", c.DeleteDocument)

	t := r.Group("/tenant/v1")
	t.Delete("/:owner/:project", c.DeleteTenant)
}

func (c *documentController) DeleteDocument(ctx *fiber.Ctx) error {
	tenant, err := tenantFromParams(ctx)
	if err != nil {
		return err
	}
	if !store.IsPathSafe(ctx.Params("doc")) {
		return fiber.NewError(fiber.StatusBadRequest, "malformed document identifier")
	}
	if err := c.documentService.DeleteDocument(ctx.Context(), tenant, ctx.Params("doc")); err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success delete document", nil))
}

func (c *documentController) Stats(ctx *fiber.Ctx) error {
	tenant, err := tenantFromParams(ctx)
	if err != nil {
		return err
	}
	if !store.IsPathSafe(ctx.Params("doc")) {
		return fiber.NewError(fiber.StatusBadRequest, "malformed document identifier")
	}
	res, err := c.documentService.Stats(ctx.Context(), tenant, ctx.Params("doc"))
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success document stats", res))
}

func (c *documentController) DeleteTenant(ctx *fiber.Ctx) error {
	tenant, err := tenantFromParams(ctx)
	if err != nil {
		return err
	}
	if err := c.documentService.DeleteTenant(ctx.Context(), tenant); err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success delete tenant", nil))
}
