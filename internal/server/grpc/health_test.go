package grpcserver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/moments/internal/model"
)

type flipProber struct{ healthy atomic.Bool }

func (p *flipProber) Health(context.Context) model.Health {
	if p.healthy.Load() {
		return model.Health{Status: model.StatusHealthy, Backend: model.KindKV}
	}
	return model.Health{Status: model.StatusUnhealthy, Backend: model.KindKV, Error: "closed"}
}

var _ Prober = (*flipProber)(nil)

func TestHealthReporter_Check(t *testing.T) {
	t.Parallel()

	p := &flipProber{}
	h := NewHealthReporter(p, time.Hour, zaptest.NewLogger(t))

	if st := h.Check(context.Background()); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status=%v", st)
	}
	p.healthy.Store(true)
	if st := h.Check(context.Background()); st != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status=%v", st)
	}

	resp, err := h.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("served status=%v", resp.GetStatus())
	}
}

func TestNewServer_ServesHealth(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	p := &flipProber{}
	p.healthy.Store(true)
	h := NewHealthReporter(p, time.Hour, log)
	h.Check(context.Background())

	lis := bufconn.Listen(1 << 16)
	s := NewServer(h, log)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status=%v", resp.GetStatus())
	}
}

func TestHealthReporter_RunShutsDown(t *testing.T) {
	t.Parallel()

	p := &flipProber{}
	p.healthy.Store(true)
	h := NewHealthReporter(p, time.Hour, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()
	cancel()
	<-done

	resp, err := h.Server().Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after shutdown=%v", resp.GetStatus())
	}
}
