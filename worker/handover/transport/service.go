/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// Package transport carries the master key handover over gRPC.
//
// Request and response bodies are canonically encoded handover messages wrapped in
// [wrapperspb.BytesValue], so the bytes a holder hashes are the bytes the requester sent.
// The key staffs are delivered as the response to SubmitResponse.
package transport

import (
	"context"

	"github.com/cesslab/ceseal/worker/handover"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName          = "ceseal.handover.v1.Handover"
	issueChallengeMethod = "/" + serviceName + "/IssueChallenge"
	submitResponseMethod = "/" + serviceName + "/SubmitResponse"
)

// Holder is the handover holder served by [Server].
type Holder interface {
	IssueChallenge(ctx context.Context, req *handover.ChallengeRequest) (*handover.Challenge, error)
	SubmitResponse(ctx context.Context, resp *handover.ChallengeResponse) (*handover.KeyStaffs, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Holder)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "IssueChallenge", Handler: issueChallengeHandler},
		{MethodName: "SubmitResponse", Handler: submitResponseHandler},
	},
	Metadata: "ceseal/handover/v1",
}

func issueChallengeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return handle(srv, ctx, dec, interceptor, issueChallengeMethod, Holder.IssueChallenge)
}

func submitResponseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return handle(srv, ctx, dec, interceptor, submitResponseMethod, Holder.SubmitResponse)
}

// handle decodes the request body, calls the holder and encodes its answer.
func handle[In, Out handover.Message](
	srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor,
	method string, call func(Holder, context.Context, *In) (*Out, error),
) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		msg, err := handover.Decode[In](req.(*wrapperspb.BytesValue).GetValue())
		if err != nil {
			return nil, toStatus(ctx, err)
		}
		out, err := call(srv.(Holder), ctx, msg)
		if err != nil {
			return nil, toStatus(ctx, err)
		}
		data, err := handover.Encode(out)
		if err != nil {
			return nil, toStatus(ctx, err)
		}
		return wrapperspb.Bytes(data), nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
	return interceptor(ctx, in, info, handler)
}
