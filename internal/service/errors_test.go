package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"pkt.systems/docstore/internal/storage"
)

func TestToStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"invalid argument", storage.Errorf(storage.KindInvalidArgument, "op", "bad"), codes.InvalidArgument},
		{"tenant required", storage.ErrTenantRequired, codes.InvalidArgument},
		{"not found", fmt.Errorf("load: %w", storage.ErrNotFound), codes.NotFound},
		{"lock", storage.Errorf(storage.KindLock, "op", "stale lock"), codes.FailedPrecondition},
		{"contended", fmt.Errorf("could not acquire index lock: %w", storage.ErrLockContended), codes.Unavailable},
		{"transient", storage.NewTransientError(errors.New("reset")), codes.Unavailable},
		{"serialization", storage.Errorf(storage.KindSerialization, "op", "bad json"), codes.DataLoss},
		{"io", errors.New("disk on fire"), codes.Internal},
		{"sync", storage.Errorf(storage.KindSync, "op", "push failed"), codes.Internal},
		{"canceled", context.Canceled, codes.Canceled},
		{"passthrough", status.Error(codes.PermissionDenied, "nope"), codes.PermissionDenied},
	}
	for _, tc := range cases {
		if got := status.Code(toStatus(tc.err)); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
	if toStatus(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestContendedCarriesRetryInfo(t *testing.T) {
	t.Parallel()

	err := toStatus(fmt.Errorf("could not acquire index lock: %w", storage.ErrLockContended))
	delay, ok := RetryDelay(err)
	if !ok || delay != lockRetryHint {
		t.Fatalf("expected retry hint %s, got %s %v", lockRetryHint, delay, ok)
	}
	if _, ok := RetryDelay(status.Error(codes.Internal, "x")); ok {
		t.Fatal("unexpected retry hint on internal error")
	}
}

func TestCodecHandlesPlainAndProtoMessages(t *testing.T) {
	t.Parallel()

	c := jsonCodec{}
	raw, err := c.Marshal(&AppendWalResponse{Success: true, NewPosition: 4})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"success":true,"new_position":4}` {
		t.Fatalf("unexpected json %s", raw)
	}
	var back AppendWalResponse
	if err := c.Unmarshal(raw, &back); err != nil || back.NewPosition != 4 {
		t.Fatalf("unmarshal: %+v %v", back, err)
	}

	raw, err = c.Marshal(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING})
	if err != nil {
		t.Fatalf("marshal proto: %v", err)
	}
	var resp healthpb.HealthCheckResponse
	if err := c.Unmarshal(raw, &resp); err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("proto round trip: %v %v", resp.GetStatus(), err)
	}
}

func TestMutationStateNames(t *testing.T) {
	t.Parallel()

	if stateAcquiringLock.String() != "acquiring_lock" || stateDone.String() != "done" {
		t.Fatalf("unexpected names %s %s", stateAcquiringLock, stateDone)
	}
	if mutationState(42).String() != "state(42)" {
		t.Fatalf("unexpected fallback %s", mutationState(42))
	}
}
