package status

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/the-mhdi/towerd/core/switchsig"
)

type fakeGate struct {
	mu      sync.Mutex
	primary bool
	err     error
}

func (g *fakeGate) IsPrimary() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.primary, g.err
}

func start(t *testing.T, gate RoleGate, sig *switchsig.Signal) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 16)
	svc := New(zap.NewNop(), "", time.Hour, gate, sig)
	if err := svc.Serve(context.Background(), lis); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Stop() })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return resp.GetStatus()
}

func TestStatusReportsRole(t *testing.T) {
	tests := []struct {
		name string
		gate *fakeGate
		want healthpb.HealthCheckResponse_ServingStatus
	}{
		{"primary", &fakeGate{primary: true}, healthpb.HealthCheckResponse_SERVING},
		{"backup", &fakeGate{}, healthpb.HealthCheckResponse_NOT_SERVING},
		{"unknown", &fakeGate{err: errors.New("no key")}, healthpb.HealthCheckResponse_UNKNOWN},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := start(t, tt.gate, switchsig.New())
			if got := check(t, c, ""); got != healthpb.HealthCheckResponse_SERVING {
				t.Errorf("overall = %v", got)
			}
			if got := check(t, c, ServicePrimary); got != tt.want {
				t.Errorf("primary = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusFollowsSwitchSignal(t *testing.T) {
	sig := switchsig.New()
	c := start(t, &fakeGate{}, sig)

	if got := check(t, c, ServiceSwitch); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("idle switch = %v", got)
	}

	sig.Set(true)
	deadline := time.Now().Add(5 * time.Second)
	for check(t, c, ServiceSwitch) != healthpb.HealthCheckResponse_NOT_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("pending switch never reported")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
