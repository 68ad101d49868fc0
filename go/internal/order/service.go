package order

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/mcdev12/eshop/go/internal/correlation"
	"github.com/mcdev12/eshop/go/internal/models"
)

// OrdersApp defines what the service layer needs from the order application
type OrdersApp interface {
	CheckoutOrder(ctx context.Context, cmd CheckoutOrderCommand) (uuid.UUID, error)
	UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (uuid.UUID, error)
	DeleteOrder(ctx context.Context, id uuid.UUID) error
	GetOrdersByUserName(ctx context.Context, userName string) ([]models.Order, error)
}

// Service exposes the order commands over JSON HTTP
type Service struct {
	app OrdersApp
}

// NewService creates a new order HTTP service
func NewService(app OrdersApp) *Service {
	return &Service{app: app}
}

// Register mounts the order routes on mux
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/orders/{userName}", s.getOrdersByUserName)
	mux.HandleFunc("POST /api/v1/orders", s.checkoutOrder)
	mux.HandleFunc("PUT /api/v1/orders", s.updateOrder)
	mux.HandleFunc("DELETE /api/v1/orders/{id}", s.deleteOrder)
}

type idResponse struct {
	ID uuid.UUID `json:"id"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (s *Service) getOrdersByUserName(w http.ResponseWriter, r *http.Request) {
	orders, err := s.app.GetOrdersByUserName(r.Context(), r.PathValue("userName"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, orders)
}

func (s *Service) checkoutOrder(w http.ResponseWriter, r *http.Request) {
	var cmd CheckoutOrderCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	id, err := s.app.CheckoutOrder(r.Context(), cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, idResponse{ID: id})
}

func (s *Service) updateOrder(w http.ResponseWriter, r *http.Request) {
	var cmd UpdateOrderCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	id, err := s.app.UpdateOrder(r.Context(), cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, idResponse{ID: id})
}

func (s *Service) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid order id"})
		return
	}

	if err := s.app.DeleteOrder(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: verr.Fields})
	case errors.Is(err, ErrOrderNotFound):
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: ErrOrderNotFound.Error()})
	case errors.Is(err, ErrConcurrentUpdate), errors.Is(err, ErrDuplicateOrder):
		writeJSON(w, r, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		correlation.Logger(r.Context()).Error().Err(err).Msg("failed to write response")
	}
}
