package handler

import (
	"time"

	"github.com/rl1809/escrow-settlement/internal/core/domain"
)

// Wire types shared by the HTTP and gRPC transports.

type OpenOrderRequest struct {
	OrderID    string `json:"order_id"`
	Buyer      string `json:"buyer"`
	Seller     string `json:"seller"`
	Amount     int64  `json:"amount"`
	ListingRef string `json:"listing_ref,omitempty"`
	Quantity   int    `json:"quantity"`
}

type OrderActionRequest struct {
	OrderID    string `json:"order_id"`
	Resolution string `json:"resolution,omitempty"`
}

type PartyRequest struct {
	PartyID string `json:"party_id"`
}

type FeeRequest struct {
	FeePercentage int `json:"fee_percentage"`
}

type FeeResponse struct {
	FeePercentage int `json:"fee_percentage"`
}

type OrderResponse struct {
	OrderID     string     `json:"order_id"`
	Buyer       string     `json:"buyer"`
	Seller      string     `json:"seller"`
	Amount      int64      `json:"amount"`
	ListingRef  string     `json:"listing_ref,omitempty"`
	Quantity    int        `json:"quantity"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int        `json:"version"`
}

type OrderListResponse struct {
	Orders []OrderResponse `json:"orders"`
}

type TransferResponse struct {
	ID             string     `json:"id"`
	Leg            string     `json:"leg"`
	Kind           string     `json:"kind"`
	Party          string     `json:"party"`
	Amount         int64      `json:"amount"`
	IdempotencyKey string     `json:"idempotency_key"`
	State          string     `json:"state"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
}

type TransferListResponse struct {
	OrderID   string             `json:"order_id"`
	Transfers []TransferResponse `json:"transfers"`
}

// ActionResponse is returned by mutating calls. A transfer failure still
// carries the committed order so the caller can see its new status.
type ActionResponse struct {
	Order OrderResponse `json:"order"`
	Error string        `json:"error,omitempty"`
}

func toOrderResponse(o domain.EscrowOrder) OrderResponse {
	return OrderResponse{
		OrderID:     o.ID,
		Buyer:       o.Buyer,
		Seller:      o.Seller,
		Amount:      o.Amount,
		ListingRef:  o.ListingRef,
		Quantity:    o.Quantity,
		Status:      string(o.Status),
		CreatedAt:   o.CreatedAt,
		CompletedAt: o.CompletedAt,
		Version:     o.Version,
	}
}

func toOrderList(orders []domain.EscrowOrder) OrderListResponse {
	out := OrderListResponse{Orders: make([]OrderResponse, 0, len(orders))}
	for _, o := range orders {
		out.Orders = append(out.Orders, toOrderResponse(o))
	}
	return out
}

func toTransferList(orderID string, intents []domain.TransferIntent) TransferListResponse {
	out := TransferListResponse{OrderID: orderID, Transfers: make([]TransferResponse, 0, len(intents))}
	for _, in := range intents {
		out.Transfers = append(out.Transfers, TransferResponse{
			ID:             in.ID,
			Leg:            string(in.Leg),
			Kind:           string(in.Kind),
			Party:          in.Party,
			Amount:         in.Amount,
			IdempotencyKey: in.IdempotencyKey,
			State:          string(in.State),
			Attempts:       in.Attempts,
			LastError:      in.LastError,
			CreatedAt:      in.CreatedAt,
			SettledAt:      in.SettledAt,
		})
	}
	return out
}
