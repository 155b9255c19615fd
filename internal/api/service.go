// Package api exposes the daemon over gRPC. Messages are structpb.Struct
// values so the service needs no generated code; the descriptor below follows
// the layout protoc-gen-go-grpc would emit.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "imclient.v1.Control"

const (
	methodStatus           = "Status"
	methodConnect          = "Connect"
	methodDisconnect       = "Disconnect"
	methodSetCredential    = "SetCredential"
	methodLogout           = "Logout"
	methodOpenConversation = "OpenConversation"
	methodListMessages     = "ListMessages"
	methodLoadOlder        = "LoadOlder"
	methodSendText         = "SendText"
	methodMarkRead         = "MarkRead"
	methodRecall           = "Recall"
	methodWatchEvents      = "WatchEvents"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ControlServer is the server API for the control service.
type ControlServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetCredential(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Logout(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	OpenConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadOlder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Recall(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// UnimplementedControlServer answers every method with codes.Unimplemented.
// Embed it to implement part of the service.
type UnimplementedControlServer struct{}

func (UnimplementedControlServer) Status(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(methodStatus)
}
func (UnimplementedControlServer) Connect(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(methodConnect)
}
func (UnimplementedControlServer) Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(methodDisconnect)
}
func (UnimplementedControlServer) SetCredential(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, unimplemented(methodSetCredential)
}
func (UnimplementedControlServer) Logout(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, unimplemented(methodLogout)
}
func (UnimplementedControlServer) OpenConversation(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(methodOpenConversation)
}
func (UnimplementedControlServer) ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(methodListMessages)
}
func (UnimplementedControlServer) LoadOlder(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(methodLoadOlder)
}
func (UnimplementedControlServer) SendText(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(methodSendText)
}
func (UnimplementedControlServer) MarkRead(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, unimplemented(methodMarkRead)
}
func (UnimplementedControlServer) Recall(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, unimplemented(methodRecall)
}
func (UnimplementedControlServer) WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error {
	return unimplemented(methodWatchEvents)
}

func unimplemented(method string) error {
	return grpcstatus.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

// ControlServiceDesc is the grpc.ServiceDesc for the control service.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodStatus, ControlServer.Status),
		unary(methodConnect, ControlServer.Connect),
		unary(methodDisconnect, ControlServer.Disconnect),
		unary(methodSetCredential, ControlServer.SetCredential),
		unary(methodLogout, ControlServer.Logout),
		unary(methodOpenConversation, ControlServer.OpenConversation),
		unary(methodListMessages, ControlServer.ListMessages),
		unary(methodLoadOlder, ControlServer.LoadOlder),
		unary(methodSendText, ControlServer.SendText),
		unary(methodMarkRead, ControlServer.MarkRead),
		unary(methodRecall, ControlServer.Recall),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "imclient/v1/control.proto",
}

func unary[Resp proto.Message](method string, call func(ControlServer, context.Context, *structpb.Struct) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).WatchEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}
