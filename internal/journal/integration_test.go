//go:build integration

package journal

import (
	"context"
	"testing"
	"time"

	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("cogloop_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}
	return dsn
}

func startRedis(t *testing.T, ctx context.Context) string {
	t.Helper()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	return "redis://" + endpoint
}

func startNeo4j(t *testing.T, ctx context.Context) string {
	t.Helper()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	if err != nil {
		t.Fatalf("start neo4j: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatalf("neo4j bolt url: %v", err)
	}
	return uri
}

func integrationEntry(id, input, next string, started time.Time) Entry {
	e := NewEntry(sampleOutcome())
	e.CycleID = id
	e.Input = input
	e.Record.NextThought = next
	e.StartedAt = started
	return e
}

func TestPostgresSink(t *testing.T) {
	ctx := context.Background()
	sink, err := NewPostgresSink(ctx, startPostgres(t, ctx), zap.NewNop())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer sink.Close()
	if err := sink.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := sink.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	first := integrationEntry("c-1", "start", "next", t0)
	second := integrationEntry("c-2", "next", "", t0.Add(time.Second))
	for _, e := range []Entry{first, second, first} {
		if err := sink.Write(ctx, e); err != nil {
			t.Fatalf("write %s: %v", e.CycleID, err)
		}
	}

	got, err := sink.Recent(ctx, "c", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].CycleID != "c-2" || got[1].CycleID != "c-1" {
		t.Fatalf("entries = %+v", got)
	}
	if len(got[1].Activated) != 2 || got[1].Activated[0] != "u1" || len(got[1].Generated) != 1 {
		t.Errorf("unit links = %+v", got[1])
	}
	if got[1].Record.NextThought != "next" || got[1].Duration != 1500*time.Millisecond {
		t.Errorf("record = %+v, duration %v", got[1].Record, got[1].Duration)
	}
}

func TestRedisSink(t *testing.T) {
	ctx := context.Background()
	sink, err := NewRedisSink(startRedis(t, ctx), 100, zap.NewNop())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer sink.Close()

	t0 := time.Now().UTC()
	for i, id := range []string{"r-1", "r-2", "r-3"} {
		if err := sink.Write(ctx, integrationEntry(id, "in", "out", t0.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	got, err := sink.Recent(ctx, "c", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].CycleID != "r-3" || got[1].CycleID != "r-2" {
		t.Errorf("recent = %+v", got)
	}
}

func TestGraphSink(t *testing.T) {
	ctx := context.Background()
	sink, err := NewGraphSink(ctx, startNeo4j(t, ctx), "", "", zap.NewNop())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer sink.Close()

	t0 := time.Now().UTC()
	if err := sink.Write(ctx, integrationEntry("g-1", "start", "follow up", t0)); err != nil {
		t.Fatalf("write first: %v", err)
	}
	if err := sink.Write(ctx, integrationEntry("g-2", "follow up", "", t0.Add(time.Second))); err != nil {
		t.Fatalf("write second: %v", err)
	}
	n, err := sink.Activations(ctx, "u1")
	if err != nil {
		t.Fatalf("activations: %v", err)
	}
	if n != 2 {
		t.Errorf("u1 activated by %d cycles, want 2", n)
	}
}
