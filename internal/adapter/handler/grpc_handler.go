package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/escrow-settlement/internal/core/domain"
	"github.com/rl1809/escrow-settlement/internal/core/service"
)

const ServiceName = "escrow.v1.EscrowService"

// JSONCodec carries the wire types above as JSON, so the service needs no
// generated stubs. Clients select it with grpc.CallContentSubtype("json").
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

// EscrowServer is the RPC surface of the engine.
type EscrowServer interface {
	OpenOrder(context.Context, *OpenOrderRequest) (*OrderResponse, error)
	GetOrder(context.Context, *OrderActionRequest) (*OrderResponse, error)
	CompleteOrder(context.Context, *OrderActionRequest) (*OrderResponse, error)
	RefundOrder(context.Context, *OrderActionRequest) (*OrderResponse, error)
	DisputeOrder(context.Context, *OrderActionRequest) (*OrderResponse, error)
	ResolveDispute(context.Context, *OrderActionRequest) (*OrderResponse, error)
	ListTransfers(context.Context, *OrderActionRequest) (*TransferListResponse, error)
	ListByBuyer(context.Context, *PartyRequest) (*OrderListResponse, error)
	ListBySeller(context.Context, *PartyRequest) (*OrderListResponse, error)
	GetFeePercentage(context.Context, *FeeRequest) (*FeeResponse, error)
	UpdateFeePercentage(context.Context, *FeeRequest) (*FeeResponse, error)
}

type GRPCHandler struct {
	orderService *service.OrderService
	logger       *zap.Logger
}

func NewGRPCHandler(orderService *service.OrderService, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{orderService: orderService, logger: logger}
}

// ServerOptions returns the options a server hosting the handler needs: the
// JSON codec and the caller interceptor. A nil auth trusts x-caller-id.
func ServerOptions(auth *CallerAuth) []grpc.ServerOption {
	if auth == nil {
		auth = NewCallerAuth("", nil)
	}
	return []grpc.ServerOption{
		grpc.ForceServerCodec(JSONCodec{}),
		grpc.UnaryInterceptor(auth.UnaryInterceptor()),
	}
}

func RegisterEscrowServer(s grpc.ServiceRegistrar, srv EscrowServer) {
	s.RegisterService(&escrowServiceDesc, srv)
}

func (h *GRPCHandler) OpenOrder(ctx context.Context, req *OpenOrderRequest) (*OrderResponse, error) {
	caller := CallerFrom(ctx)
	if req.Buyer == "" {
		req.Buyer = caller
	}
	if req.Buyer != caller {
		return nil, h.toStatus(fmt.Errorf("%w: only the buyer may open an order", domain.ErrUnauthorized))
	}
	order, err := h.orderService.OpenOrder(ctx, service.OpenOrderRequest{
		OrderID:    req.OrderID,
		Buyer:      req.Buyer,
		Seller:     req.Seller,
		Amount:     req.Amount,
		ListingRef: req.ListingRef,
		Quantity:   req.Quantity,
	})
	if err != nil {
		return nil, h.toStatus(err)
	}
	resp := toOrderResponse(order)
	return &resp, nil
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *OrderActionRequest) (*OrderResponse, error) {
	order, err := h.orderService.GetOrderFor(ctx, req.OrderID, CallerFrom(ctx))
	if err != nil {
		return nil, h.toStatus(err)
	}
	resp := toOrderResponse(order)
	return &resp, nil
}

func (h *GRPCHandler) CompleteOrder(ctx context.Context, req *OrderActionRequest) (*OrderResponse, error) {
	return h.action(h.orderService.CompleteOrder(ctx, req.OrderID, CallerFrom(ctx)))
}

func (h *GRPCHandler) RefundOrder(ctx context.Context, req *OrderActionRequest) (*OrderResponse, error) {
	return h.action(h.orderService.RefundOrder(ctx, req.OrderID, CallerFrom(ctx)))
}

func (h *GRPCHandler) DisputeOrder(ctx context.Context, req *OrderActionRequest) (*OrderResponse, error) {
	return h.action(h.orderService.DisputeOrder(ctx, req.OrderID, CallerFrom(ctx)))
}

func (h *GRPCHandler) ResolveDispute(ctx context.Context, req *OrderActionRequest) (*OrderResponse, error) {
	return h.action(h.orderService.ResolveDispute(ctx, req.OrderID, CallerFrom(ctx), domain.Resolution(req.Resolution)))
}

// action maps a transition result. When the status committed but a leg
// failed, the status is Aborted and carries the committed order as a
// structpb detail, since a retry of the same call would be rejected.
func (h *GRPCHandler) action(order domain.EscrowOrder, err error) (*OrderResponse, error) {
	if err != nil {
		if errors.Is(err, domain.ErrTransferFailure) && order.ID != "" {
			h.logger.Warn("transition committed with pending transfer",
				zap.String("order_id", order.ID), zap.Error(err))
			return nil, h.committedStatus(order, err)
		}
		return nil, h.toStatus(err)
	}
	resp := toOrderResponse(order)
	return &resp, nil
}

func (h *GRPCHandler) committedStatus(order domain.EscrowOrder, err error) error {
	st := status.New(codes.Aborted, err.Error())
	detail, derr := orderDetail(order)
	if derr != nil {
		h.logger.Error("encode committed order", zap.String("order_id", order.ID), zap.Error(derr))
		return st.Err()
	}
	withDetail, derr := st.WithDetails(detail)
	if derr != nil {
		h.logger.Error("attach committed order", zap.String("order_id", order.ID), zap.Error(derr))
		return st.Err()
	}
	return withDetail.Err()
}

// orderDetail renders the order in the same shape as OrderResponse.
func orderDetail(order domain.EscrowOrder) (*structpb.Struct, error) {
	raw, err := json.Marshal(toOrderResponse(order))
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

// committedOrder extracts the order attached to an Aborted transition status.
func committedOrder(err error) (*structpb.Struct, bool) {
	for _, d := range status.Convert(err).Details() {
		if s, ok := d.(*structpb.Struct); ok {
			return s, true
		}
	}
	return nil, false
}

func (h *GRPCHandler) ListTransfers(ctx context.Context, req *OrderActionRequest) (*TransferListResponse, error) {
	intents, err := h.orderService.ListTransfersFor(ctx, req.OrderID, CallerFrom(ctx))
	if err != nil {
		return nil, h.toStatus(err)
	}
	resp := toTransferList(req.OrderID, intents)
	return &resp, nil
}

func (h *GRPCHandler) ListByBuyer(ctx context.Context, req *PartyRequest) (*OrderListResponse, error) {
	orders, err := h.orderService.ListByBuyerFor(ctx, req.PartyID, CallerFrom(ctx))
	if err != nil {
		return nil, h.toStatus(err)
	}
	resp := toOrderList(orders)
	return &resp, nil
}

func (h *GRPCHandler) ListBySeller(ctx context.Context, req *PartyRequest) (*OrderListResponse, error) {
	orders, err := h.orderService.ListBySellerFor(ctx, req.PartyID, CallerFrom(ctx))
	if err != nil {
		return nil, h.toStatus(err)
	}
	resp := toOrderList(orders)
	return &resp, nil
}

func (h *GRPCHandler) GetFeePercentage(ctx context.Context, _ *FeeRequest) (*FeeResponse, error) {
	return &FeeResponse{FeePercentage: h.orderService.GetFeePercentage()}, nil
}

func (h *GRPCHandler) UpdateFeePercentage(ctx context.Context, req *FeeRequest) (*FeeResponse, error) {
	if err := h.orderService.UpdateFeePercentage(ctx, CallerFrom(ctx), req.FeePercentage); err != nil {
		return nil, h.toStatus(err)
	}
	return &FeeResponse{FeePercentage: h.orderService.GetFeePercentage()}, nil
}

func (h *GRPCHandler) toStatus(err error) error {
	code := grpcCode(err)
	if code == codes.Internal {
		h.logger.Error("rpc failed", zap.Error(err))
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

// UnaryInterceptor resolves the caller from the x-caller-id or authorization
// metadata, mirroring Middleware.
func (a *CallerAuth) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		caller, err := a.resolveMetadata(ctx)
		if err != nil {
			a.logger.Debug("caller rejected", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(WithCaller(ctx, caller), req)
	}
}

func (a *CallerAuth) resolveMetadata(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	first := func(key string) string {
		if vals := md.Get(key); len(vals) > 0 {
			return strings.TrimSpace(vals[0])
		}
		return ""
	}

	if len(a.secret) == 0 {
		caller := first(strings.ToLower(CallerHeader))
		if caller == "" {
			return "", errMissingCaller
		}
		return caller, nil
	}

	token, ok := strings.CutPrefix(first("authorization"), "Bearer ")
	if !ok {
		return "", errors.New("invalid authorization metadata")
	}
	return a.ParseToken(token)
}

func unary[Req any, Resp any](name string, call func(EscrowServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(EscrowServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(server, ctx, req.(*Req))
			})
		},
	}
}

var escrowServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EscrowServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("OpenOrder", EscrowServer.OpenOrder),
		unary("GetOrder", EscrowServer.GetOrder),
		unary("CompleteOrder", EscrowServer.CompleteOrder),
		unary("RefundOrder", EscrowServer.RefundOrder),
		unary("DisputeOrder", EscrowServer.DisputeOrder),
		unary("ResolveDispute", EscrowServer.ResolveDispute),
		unary("ListTransfers", EscrowServer.ListTransfers),
		unary("ListByBuyer", EscrowServer.ListByBuyer),
		unary("ListBySeller", EscrowServer.ListBySeller),
		unary("GetFeePercentage", EscrowServer.GetFeePercentage),
		unary("UpdateFeePercentage", EscrowServer.UpdateFeePercentage),
	},
	Metadata: "escrow/v1/escrow.proto",
}
