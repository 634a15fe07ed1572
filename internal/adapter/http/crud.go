package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Generic handler factories. notFound is the message used when the
// service reports domain.ErrNotFound.

func handleListByParam[T any](param string, list func(ctx context.Context, id string) ([]T, error), notFound string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := list(r.Context(), chi.URLParam(r, param))
		if err != nil {
			writeDomainError(w, err, notFound)
			return
		}
		if items == nil {
			items = []T{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleGet[T any](param string, get func(ctx context.Context, id string) (*T, error), notFound string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := get(r.Context(), chi.URLParam(r, param))
		if err != nil {
			writeDomainError(w, err, notFound)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// handleBody decodes a JSON body of type Req, hands it to fn together with
// the value of the URL param (empty when param is ""), and writes the result
// with status.
func handleBody[Req, Res any](limit int64, status int, param string, fn func(ctx context.Context, id string, req Req) (*Res, error), notFound string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readJSON[Req](w, r, limit)
		if !ok {
			return
		}
		var id string
		if param != "" {
			id = chi.URLParam(r, param)
		}
		res, err := fn(r.Context(), id, req)
		if err != nil {
			writeDomainError(w, err, notFound)
			return
		}
		writeJSON(w, status, res)
	}
}

func handleCreate[Req, Res any](limit int64, create func(ctx context.Context, req Req) (*Res, error)) http.HandlerFunc {
	return handleBody(limit, http.StatusCreated, "", func(ctx context.Context, _ string, req Req) (*Res, error) {
		return create(ctx, req)
	}, "not found")
}

func handleUpdate[Req, Res any](limit int64, param string, update func(ctx context.Context, id string, req Req) (*Res, error), notFound string) http.HandlerFunc {
	return handleBody(limit, http.StatusOK, param, update, notFound)
}
