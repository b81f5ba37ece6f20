/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/cesslab/ceseal/worker/handover"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// classTrailer names the trailer carrying the [handover.Class] of a failed call.
const classTrailer = "ceseal-error-class"

// ErrUnavailable is returned if the holder could not be reached.
var ErrUnavailable = errors.New("holder unavailable")

var classCodes = map[handover.Class]codes.Code{
	handover.ClassExpiredReplay:       codes.FailedPrecondition,
	handover.ClassAttestationRejected: codes.PermissionDenied,
	handover.ClassCryptoFailure:       codes.Unauthenticated,
	handover.ClassPlatformUnavailable: codes.Unavailable,
	handover.ClassNotProvisioned:      codes.NotFound,
	handover.ClassDuplicateAttempt:    codes.AlreadyExists,
}

// toStatus converts a handover error to a gRPC status and attaches its class as trailer.
func toStatus(ctx context.Context, err error) error {
	class := handover.Classify(err)
	code, ok := classCodes[class]
	switch {
	case ok:
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	// Setting the trailer only fails outside of a server call.
	_ = grpc.SetTrailer(ctx, metadata.Pairs(classTrailer, class.String()))
	return status.Error(code, err.Error())
}

// fromStatus restores the handover error class of a failed call.
// A call failing without a class never reached the holder's protocol logic.
func fromStatus(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	values := trailer.Get(classTrailer)
	if len(values) == 0 {
		if st.Code() == codes.Unavailable {
			return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
		}
		return err
	}
	class, ok := handover.ParseClass(values[0])
	if !ok {
		return fmt.Errorf("holder returned unknown error class %q: %s", values[0], st.Message())
	}
	if sentinel := class.Sentinel(); sentinel != nil {
		return fmt.Errorf("%w: holder: %s", sentinel, st.Message())
	}
	return fmt.Errorf("holder: %s", st.Message())
}
