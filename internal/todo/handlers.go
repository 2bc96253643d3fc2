package todo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/albertbausili/alembic/pkg/alembic"
)

// Routes is the registration surface shared by alembic.Router, Group and Server.
type Routes interface {
	GET(path string, handler any)
	POST(path string, handler any)
	DELETE(path string, handler any)
}

// Handlers serves the Todo API from a Store.
type Handlers struct {
	store *Store
}

// NewHandlers creates handlers for s.
func NewHandlers(s *Store) *Handlers {
	return &Handlers{store: s}
}

// Register adds the Todo API routes to r.
func (h *Handlers) Register(r Routes) {
	r.GET("/todo", h.list)
	r.POST("/todo", h.create)
	r.DELETE("/todo/:todoID", h.delete)
	r.GET("/tag", h.listTags)
	r.POST("/tag", h.createTag)
}

// CreateTodoRequest is the body of POST /todo.
type CreateTodoRequest struct {
	Name   string  `json:"name" validate:"required"`
	TagIDs []int64 `json:"tagIDs"`
}

// CreateTagRequest is the body of POST /tag.
type CreateTagRequest struct {
	Name string `json:"name" validate:"required"`
}

func (h *Handlers) list(ctx context.Context, _ *alembic.Request) (*alembic.Response, error) {
	todos, err := h.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return alembic.JSON(200, todos)
}

func (h *Handlers) create(ctx context.Context, req *alembic.Request) (*alembic.Response, error) {
	in, err := alembic.DecodeBody[CreateTodoRequest](req)
	if err != nil {
		return nil, err
	}

	todo, err := h.store.Create(ctx, in.Name, in.TagIDs)
	var unknown *UnknownTagError
	if errors.As(err, &unknown) {
		return nil, &alembic.ValidationError{Field: "tagIDs", Message: unknown.Error()}
	}
	if err != nil {
		return nil, fmt.Errorf("create todo: %w", err)
	}
	return alembic.JSON(201, todo)
}

func (h *Handlers) delete(ctx context.Context, _ *alembic.Request) (*alembic.Response, error) {
	id, err := strconv.ParseInt(alembic.Param(ctx, "todoID"), 10, 64)
	if err != nil {
		return nil, alembic.ErrNotFound
	}

	err = h.store.Delete(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, alembic.NewHTTPError(404, fmt.Sprintf("todo %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("delete todo %d: %w", id, err)
	}
	return alembic.NoContent(), nil
}

func (h *Handlers) listTags(ctx context.Context, _ *alembic.Request) (*alembic.Response, error) {
	tags, err := h.store.ListTags(ctx)
	if err != nil {
		return nil, err
	}
	return alembic.JSON(200, tags)
}

func (h *Handlers) createTag(ctx context.Context, req *alembic.Request) (*alembic.Response, error) {
	in, err := alembic.DecodeBody[CreateTagRequest](req)
	if err != nil {
		return nil, err
	}
	tag, err := h.store.CreateTag(ctx, in.Name)
	if err != nil {
		return nil, fmt.Errorf("create tag: %w", err)
	}
	return alembic.JSON(201, tag)
}
