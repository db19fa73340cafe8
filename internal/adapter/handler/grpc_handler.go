package handler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
	"github.com/rl1809/warehouse-allocation/internal/core/service"
	"github.com/rl1809/warehouse-allocation/internal/port"
)

const (
	GRPCServiceName = "allocation.v1.AllocationService"
	// JSONContentSubtype selects the JSON codec, e.g. grpc.CallContentSubtype(JSONContentSubtype).
	JSONContentSubtype = "json"
)

// jsonCodec lets the service run without generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONContentSubtype }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type AddBatchRequest struct {
	Ref string `json:"ref"`
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
	ETA string `json:"eta,omitempty"`
}

type AddBatchResponse struct {
	Ref string `json:"ref"`
}

type AllocateRequest struct {
	OrderID        string `json:"orderid"`
	SKU            string `json:"sku"`
	Qty            int    `json:"qty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type AllocateResponse struct {
	OrderID  string `json:"orderid"`
	BatchRef string `json:"batchref"`
}

type DeallocateRequest struct {
	OrderID string `json:"orderid"`
	SKU     string `json:"sku"`
	Qty     int    `json:"qty"`
}

type DeallocateResponse struct {
	BatchRef string `json:"batchref"`
}

type ChangeBatchQuantityRequest struct {
	Ref string `json:"ref"`
	Qty int    `json:"qty"`
}

type ChangeBatchQuantityResponse struct{}

type GetAllocationsRequest struct {
	OrderID string `json:"orderid"`
}

type GetAllocationsResponse struct {
	Allocations []port.AllocationRow `json:"allocations"`
}

type AllocationServiceServer interface {
	AddBatch(context.Context, *AddBatchRequest) (*AddBatchResponse, error)
	Allocate(context.Context, *AllocateRequest) (*AllocateResponse, error)
	Deallocate(context.Context, *DeallocateRequest) (*DeallocateResponse, error)
	ChangeBatchQuantity(context.Context, *ChangeBatchQuantityRequest) (*ChangeBatchQuantityResponse, error)
	GetAllocations(context.Context, *GetAllocationsRequest) (*GetAllocationsResponse, error)
}

type GRPCHandler struct {
	svc *service.AllocationService
}

func NewGRPCHandler(svc *service.AllocationService) *GRPCHandler {
	return &GRPCHandler{svc: svc}
}

func RegisterAllocationServiceServer(s grpc.ServiceRegistrar, srv AllocationServiceServer) {
	s.RegisterService(&AllocationServiceDesc, srv)
}

func (h *GRPCHandler) AddBatch(ctx context.Context, req *AddBatchRequest) (*AddBatchResponse, error) {
	if req.Ref == "" || req.SKU == "" {
		return nil, status.Error(codes.InvalidArgument, "missing required fields")
	}
	cmd := domain.CreateBatch{Ref: req.Ref, SKU: req.SKU, Qty: req.Qty}
	if req.ETA != "" {
		eta, err := time.Parse(etaLayout, req.ETA)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "eta must be YYYY-MM-DD")
		}
		cmd.ETA = &eta
	}
	if err := h.svc.AddBatch(ctx, cmd); err != nil {
		return nil, toStatus(err)
	}
	return &AddBatchResponse{Ref: req.Ref}, nil
}

func (h *GRPCHandler) Allocate(ctx context.Context, req *AllocateRequest) (*AllocateResponse, error) {
	if req.SKU == "" || req.Qty <= 0 {
		return nil, status.Error(codes.InvalidArgument, "missing required fields")
	}
	res, err := h.svc.Allocate(ctx, req.IdempotencyKey, domain.Allocate{OrderID: req.OrderID, SKU: req.SKU, Qty: req.Qty})
	if err != nil {
		return nil, toStatus(err)
	}
	return &AllocateResponse{OrderID: res.OrderID, BatchRef: res.BatchRef}, nil
}

func (h *GRPCHandler) Deallocate(ctx context.Context, req *DeallocateRequest) (*DeallocateResponse, error) {
	if req.OrderID == "" || req.SKU == "" || req.Qty <= 0 {
		return nil, status.Error(codes.InvalidArgument, "missing required fields")
	}
	ref, err := h.svc.Deallocate(ctx, domain.Deallocate{OrderID: req.OrderID, SKU: req.SKU, Qty: req.Qty})
	if err != nil {
		return nil, toStatus(err)
	}
	return &DeallocateResponse{BatchRef: ref}, nil
}

func (h *GRPCHandler) ChangeBatchQuantity(ctx context.Context, req *ChangeBatchQuantityRequest) (*ChangeBatchQuantityResponse, error) {
	if req.Ref == "" {
		return nil, status.Error(codes.InvalidArgument, "missing required fields")
	}
	if err := h.svc.ChangeBatchQuantity(ctx, domain.ChangeBatchQuantity{Ref: req.Ref, Qty: req.Qty}); err != nil {
		return nil, toStatus(err)
	}
	return &ChangeBatchQuantityResponse{}, nil
}

func (h *GRPCHandler) GetAllocations(ctx context.Context, req *GetAllocationsRequest) (*GetAllocationsResponse, error) {
	rows, err := h.svc.Allocations(ctx, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	if len(rows) == 0 {
		return nil, status.Errorf(codes.NotFound, "no allocations for order %s", req.OrderID)
	}
	return &GetAllocationsResponse{Allocations: rows}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, service.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, port.ErrOptimisticLock):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, service.ErrOutOfStock):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrBatchNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrInvalidSKU),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, domain.ErrDuplicateBatch),
		errors.Is(err, domain.ErrSKUMismatch):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// unaryMethod adapts a typed server method to a grpc.MethodDesc.
func unaryMethod[Req, Resp any](name string, call func(AllocationServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + GRPCServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AllocationServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AllocationServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var AllocationServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*AllocationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("AddBatch", AllocationServiceServer.AddBatch),
		unaryMethod("Allocate", AllocationServiceServer.Allocate),
		unaryMethod("Deallocate", AllocationServiceServer.Deallocate),
		unaryMethod("ChangeBatchQuantity", AllocationServiceServer.ChangeBatchQuantity),
		unaryMethod("GetAllocations", AllocationServiceServer.GetAllocations),
	},
	Streams: []grpc.StreamDesc{},
}

// AllocationServiceClient calls the service over a connection using the
// JSON codec.
type AllocationServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewAllocationServiceClient(cc grpc.ClientConnInterface) *AllocationServiceClient {
	return &AllocationServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONContentSubtype)}, opts...)
	if err := cc.Invoke(ctx, "/"+GRPCServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AllocationServiceClient) AddBatch(ctx context.Context, req *AddBatchRequest, opts ...grpc.CallOption) (*AddBatchResponse, error) {
	return invoke[AddBatchResponse](ctx, c.cc, "AddBatch", req, opts)
}

func (c *AllocationServiceClient) Allocate(ctx context.Context, req *AllocateRequest, opts ...grpc.CallOption) (*AllocateResponse, error) {
	return invoke[AllocateResponse](ctx, c.cc, "Allocate", req, opts)
}

func (c *AllocationServiceClient) Deallocate(ctx context.Context, req *DeallocateRequest, opts ...grpc.CallOption) (*DeallocateResponse, error) {
	return invoke[DeallocateResponse](ctx, c.cc, "Deallocate", req, opts)
}

func (c *AllocationServiceClient) ChangeBatchQuantity(ctx context.Context, req *ChangeBatchQuantityRequest, opts ...grpc.CallOption) (*ChangeBatchQuantityResponse, error) {
	return invoke[ChangeBatchQuantityResponse](ctx, c.cc, "ChangeBatchQuantity", req, opts)
}

func (c *AllocationServiceClient) GetAllocations(ctx context.Context, req *GetAllocationsRequest, opts ...grpc.CallOption) (*GetAllocationsResponse, error) {
	return invoke[GetAllocationsResponse](ctx, c.cc, "GetAllocations", req, opts)
}
