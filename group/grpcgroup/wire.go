package grpcgroup

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName   = "cellbalance.Wire"
	deliverMethod = "/cellbalance.Wire/Deliver"
)

// Delivery of one tagged message between two members.
type Delivery struct {
	// ID of the envelope, the same across retries.
	ID     string
	Sender int
	Tag    int
	Data   []int64
}

// Ack of a delivery.
type Ack struct {
	Receiver int
	// Duplicate is set when the ID was already delivered.
	Duplicate bool
}

type wireServer interface {
	Deliver(context.Context, *Delivery) (*Ack, error)
}

var wireServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*wireServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cellbalance/wire",
}

func deliverHandler(srv interface{}, c context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Delivery)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(wireServer).Deliver(c, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(c context.Context, req interface{}) (interface{}, error) {
		return srv.(wireServer).Deliver(c, req.(*Delivery))
	}
	return interceptor(c, in, info, handler)
}
