package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// GraphSink records cycle provenance in Neo4j:
//
//	(:Cycle)-[:ACTIVATED]->(:Unit)
//	(:Cycle)-[:GENERATED]->(:Unit)
//	(:Cycle)-[:NEXT]->(:Cycle)   for consecutive cycles whose input was the previous next_thought
type GraphSink struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewGraphSink connects to a Neo4j server and creates its constraints.
func NewGraphSink(ctx context.Context, uri, user, password string, logger *zap.Logger) (*GraphSink, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connect: %w", err)
	}
	g := &GraphSink{driver: driver, logger: logger}
	if err := g.ensureSchema(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	logger.Info("Neo4j connected", zap.String("uri", uri))
	return g, nil
}

func (g *GraphSink) ensureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)
	for _, q := range []string{
		"CREATE CONSTRAINT cycle_id IF NOT EXISTS FOR (c:Cycle) REQUIRE c.id IS UNIQUE",
		"CREATE CONSTRAINT unit_id IF NOT EXISTS FOR (u:Unit) REQUIRE u.id IS UNIQUE",
	} {
		if _, err := session.Run(ctx, q, nil); err != nil {
			return fmt.Errorf("neo4j schema: %w", err)
		}
	}
	return nil
}

func (g *GraphSink) Name() string { return "neo4j" }

func (g *GraphSink) Write(ctx context.Context, e Entry) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			`MERGE (c:Cycle {id: $id})
			 SET c.collection_id = $collection,
			     c.input = $input,
			     c.next_thought = $next,
			     c.log = $log,
			     c.started_at = datetime($started)
			 WITH c
			 UNWIND $activated AS uid
			 MERGE (u:Unit {id: uid})
			 SET u.collection_id = $collection
			 MERGE (c)-[:ACTIVATED]->(u)`,
			map[string]any{
				"id":         e.CycleID,
				"collection": e.CollectionID,
				"input":      e.Input,
				"next":       e.Record.NextThought,
				"log":        e.Record.Log,
				"started":    e.StartedAt.UTC().Format(time.RFC3339Nano),
				"activated":  nonNil(e.Activated),
			})
		if err != nil {
			return nil, err
		}
		if len(e.Generated) > 0 {
			_, err = tx.Run(ctx,
				`MATCH (c:Cycle {id: $id})
				 UNWIND $generated AS uid
				 MERGE (u:Unit {id: uid})
				 SET u.collection_id = $collection, u.source = 'generated'
				 MERGE (c)-[:GENERATED]->(u)`,
				map[string]any{
					"id":         e.CycleID,
					"collection": e.CollectionID,
					"generated":  e.Generated,
				})
			if err != nil {
				return nil, err
			}
		}
		// Link from the cycle that proposed this one's input.
		_, err = tx.Run(ctx,
			`MATCH (c:Cycle {id: $id})
			 MATCH (p:Cycle {collection_id: $collection, next_thought: $input})
			 WHERE p.id <> c.id AND p.started_at < c.started_at
			 WITH c, p ORDER BY p.started_at DESC LIMIT 1
			 MERGE (p)-[:NEXT]->(c)`,
			map[string]any{
				"id":         e.CycleID,
				"collection": e.CollectionID,
				"input":      e.Input,
			})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("neo4j write cycle %s: %w", e.CycleID, err)
	}
	return nil
}

// Activations counts how many cycles activated a unit.
func (g *GraphSink) Activations(ctx context.Context, unitID string) (int64, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	n, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`MATCH (:Cycle)-[r:ACTIVATED]->(:Unit {id: $id}) RETURN count(r) AS n`,
			map[string]any{"id": unitID})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		v, _ := rec.Get("n")
		return v, nil
	})
	if err != nil {
		return 0, fmt.Errorf("neo4j activations %s: %w", unitID, err)
	}
	count, _ := n.(int64)
	return count, nil
}

// Close shuts down the driver.
func (g *GraphSink) Close() error {
	return g.driver.Close(context.Background())
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
