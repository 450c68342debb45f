package handler

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-sync/internal/core/domain"
)

const StockServiceName = "stocksync.v1.StockService"

type StockRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int64  `json:"quantity"`
}

type StockReply struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type StockServiceServer interface {
	Deduct(ctx context.Context, req *StockRequest) (*StockReply, error)
	Add(ctx context.Context, req *StockRequest) (*StockReply, error)
}

type GRPCHandler struct {
	stock  StockAPI
	logger *zap.Logger
}

var _ StockServiceServer = (*GRPCHandler)(nil)

func NewGRPCHandler(stock StockAPI, logger *zap.Logger) *GRPCHandler {
	return &GRPCHandler{
		stock:  stock,
		logger: logger.With(zap.String("component", "grpc_handler")),
	}
}

// Register attaches StockService and a health service reporting SERVING to s.
func (h *GRPCHandler) Register(s *grpc.Server) *health.Server {
	s.RegisterService(&stockServiceDesc, h)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(StockServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)

	return hs
}

func (h *GRPCHandler) Deduct(ctx context.Context, req *StockRequest) (*StockReply, error) {
	res, err := h.stock.Deduct(ctx, req.ItemID, req.Quantity)
	if err != nil {
		return nil, h.toStatus("deduct", req, err)
	}

	if !res.Success {
		return &StockReply{
			Success: false,
			Message: "sold out",
		}, nil
	}

	return &StockReply{
		Success:       true,
		Message:       "stock deducted",
		TransactionID: res.TransactionID,
	}, nil
}

func (h *GRPCHandler) Add(ctx context.Context, req *StockRequest) (*StockReply, error) {
	txID, err := h.stock.Add(ctx, req.ItemID, req.Quantity)
	if err != nil {
		return nil, h.toStatus("add", req, err)
	}

	return &StockReply{
		Success:       true,
		Message:       "stock added",
		TransactionID: txID,
	}, nil
}

func (h *GRPCHandler) toStatus(op string, req *StockRequest, err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidQuantity):
		return status.Error(codes.InvalidArgument, "invalid item or quantity")
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrBrokerPublish):
		h.logger.Error(op+" failed", zap.String("item_id", req.ItemID), zap.Error(err))
		return status.Error(codes.Unavailable, "stock service unavailable, retry later")
	default:
		h.logger.Error(op+" failed", zap.String("item_id", req.ItemID), zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}

var stockServiceDesc = grpc.ServiceDesc{
	ServiceName: StockServiceName,
	HandlerType: (*StockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deduct", Handler: unaryHandler("Deduct", StockServiceServer.Deduct)},
		{MethodName: "Add", Handler: unaryHandler("Add", StockServiceServer.Add)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stocksync/v1/stock.json",
}

type unaryMethod func(StockServiceServer, context.Context, *StockRequest) (*StockReply, error)

func unaryHandler(name string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + StockServiceName + "/" + name

	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(StockRequest)
		if err := dec(in); err != nil {
			return nil, err
		}

		if interceptor == nil {
			return call(srv.(StockServiceServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(StockServiceServer), ctx, req.(*StockRequest))
		}

		return interceptor(ctx, in, info, handler)
	}
}

// StockServiceClient calls StockService with the JSON codec.
type StockServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewStockServiceClient(cc grpc.ClientConnInterface) *StockServiceClient {
	return &StockServiceClient{cc: cc}
}

func (c *StockServiceClient) Deduct(ctx context.Context, req *StockRequest, opts ...grpc.CallOption) (*StockReply, error) {
	return c.invoke(ctx, "Deduct", req, opts)
}

func (c *StockServiceClient) Add(ctx context.Context, req *StockRequest, opts ...grpc.CallOption) (*StockReply, error) {
	return c.invoke(ctx, "Add", req, opts)
}

func (c *StockServiceClient) invoke(ctx context.Context, method string, req *StockRequest, opts []grpc.CallOption) (*StockReply, error) {
	out := new(StockReply)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)

	if err := c.cc.Invoke(ctx, "/"+StockServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}
