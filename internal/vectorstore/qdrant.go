package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lexobe/CogLoop/internal/embedding"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host       string        `json:"host" yaml:"host"`
	Port       int           `json:"port" yaml:"port"`
	Collection string        `json:"collection" yaml:"collection"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

// QdrantIndex stores every memory collection inside one Qdrant collection and
// scopes queries with a keyword filter on collection_id.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	embedder    embedding.Provider
	name        string
	timeout     time.Duration
	logger      *zap.Logger
}

// NewQdrantIndex dials the Qdrant gRPC endpoint. Call EnsureCollection before use.
func NewQdrantIndex(cfg QdrantConfig, embedder embedding.Provider, logger *zap.Logger) (*QdrantIndex, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("qdrant: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "cogloop"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &QdrantIndex{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		embedder:    embedder,
		name:        cfg.Collection,
		timeout:     cfg.Timeout,
		logger:      logger,
	}, nil
}

// EnsureCollection creates the backing collection and its collection_id
// keyword index if they do not already exist.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, dimension uint64) error {
	_, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: q.name})
	if err == nil {
		return nil
	}
	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", q.name, err)
	}
	wait := true
	_, err = q.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: q.name,
		Wait:           &wait,
		FieldName:      CollectionKey,
		FieldType:      pb.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("index %s.%s: %w", q.name, CollectionKey, err)
	}
	q.logger.Info("qdrant collection created",
		zap.String("collection", q.name),
		zap.Uint64("dimension", dimension))
	return nil
}

// Upsert embeds and writes documents. Existing points with the same id are replaced.
func (q *QdrantIndex) Upsert(ctx context.Context, docs ...Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := q.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("qdrant upsert: got %d vectors for %d documents", len(vectors), len(docs))
	}

	pts := make([]*pb.PointStruct, 0, len(docs))
	for i, d := range docs {
		pid, err := pointID(d.ID)
		if err != nil {
			return err
		}
		payload := toPayload(d.Metadata)
		payload[ContentKey] = stringValue(d.Content)
		payload[UnitIDKey] = stringValue(d.ID)
		pts = append(pts, &pb.PointStruct{
			Id:      pid,
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vectors[i]}}},
			Payload: payload,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	wait := true
	_, err = q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.name,
		Wait:           &wait,
		Points:         pts,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert %s: %w", q.name, err)
	}
	return nil
}

// Query embeds the query text and returns the nearest documents in the collection.
func (q *QdrantIndex) Query(ctx context.Context, query Query) ([]Hit, error) {
	if query.TopK <= 0 {
		return nil, nil
	}
	vectors, err := q.embedder.Embed(ctx, []string{query.Text})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("qdrant query: embedder returned no vector")
	}

	req := &pb.SearchPoints{
		CollectionName: q.name,
		Vector:         vectors[0],
		Filter:         collectionFilter(query.CollectionID),
		Limit:          uint64(query.TopK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if query.MinScore > 0 {
		threshold := query.MinScore
		req.ScoreThreshold = &threshold
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", q.name, err)
	}
	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, Hit{Document: fromPayload(r.Payload), Score: r.Score})
	}
	return hits, nil
}

// Get fetches a single document by id.
func (q *QdrantIndex) Get(ctx context.Context, id string) (*Document, error) {
	pid, err := pointID(id)
	if err != nil {
		// No point can carry an id that is not a UUID.
		return nil, ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	resp, err := q.points.Get(ctx, &pb.GetPoints{
		CollectionName: q.name,
		Ids:            []*pb.PointId{pid},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", q.name, id, err)
	}
	if len(resp.Result) == 0 {
		return nil, ErrNotFound
	}
	doc := fromPayload(resp.Result[0].Payload)
	return &doc, nil
}

// UpdateMetadata overwrites the given payload keys on an existing point.
func (q *QdrantIndex) UpdateMetadata(ctx context.Context, id string, md map[string]string) error {
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	pid, err := pointID(id)
	if err != nil {
		return ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	wait := true
	_, err = q.points.SetPayload(ctx, &pb.SetPayloadPoints{
		CollectionName: q.name,
		Wait:           &wait,
		Payload:        toPayload(md),
		PointsSelector: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: []*pb.PointId{pid}}},
		},
	})
	if err != nil {
		return fmt.Errorf("set payload %s/%s: %w", q.name, id, err)
	}
	return nil
}

// Delete removes points by id. Unknown ids, including ones that are not
// UUIDs, are a no-op.
func (q *QdrantIndex) Delete(ctx context.Context, ids ...string) error {
	pids := make([]*pb.PointId, 0, len(ids))
	for _, id := range ids {
		pid, err := pointID(id)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	if len(pids) == 0 {
		return nil
	}
	return q.deleteBy(ctx, &pb.PointsSelector{
		PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: pids}},
	})
}

// DeleteCollection removes every point whose collection_id matches.
func (q *QdrantIndex) DeleteCollection(ctx context.Context, collectionID string) (int, error) {
	filter := collectionFilter(collectionID)
	exact := true
	cctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	resp, err := q.points.Count(cctx, &pb.CountPoints{
		CollectionName: q.name,
		Filter:         filter,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collectionID, err)
	}
	n := int(resp.GetResult().GetCount())
	if n == 0 {
		return 0, nil
	}
	if err := q.deleteBy(ctx, &pb.PointsSelector{
		PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: filter},
	}); err != nil {
		return 0, err
	}
	return n, nil
}

func (q *QdrantIndex) deleteBy(ctx context.Context, sel *pb.PointsSelector) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.name,
		Wait:           &wait,
		Points:         sel,
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", q.name, err)
	}
	return nil
}

// Ping verifies the gRPC endpoint answers.
func (q *QdrantIndex) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if _, err := q.collections.List(ctx, &pb.ListCollectionsRequest{}); err != nil {
		return fmt.Errorf("qdrant ping: %w", err)
	}
	return nil
}

// Close tears down the underlying gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.conn.Close()
}

// pointID maps a 32-hex unit id onto a Qdrant UUID point id.
func pointID(id string) (*pb.PointId, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("qdrant point id %q: %w", id, err)
	}
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: u.String()}}, nil
}

func collectionFilter(collectionID string) *pb.Filter {
	return &pb.Filter{
		Must: []*pb.Condition{{
			ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
				Key:   CollectionKey,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: collectionID}},
			}},
		}},
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func toPayload(md map[string]string) map[string]*pb.Value {
	payload := make(map[string]*pb.Value, len(md)+2)
	for k, v := range md {
		payload[k] = stringValue(v)
	}
	return payload
}

func fromPayload(payload map[string]*pb.Value) Document {
	doc := Document{Metadata: make(map[string]string, len(payload))}
	for k, v := range payload {
		sv, ok := v.Kind.(*pb.Value_StringValue)
		if !ok {
			continue
		}
		switch k {
		case ContentKey:
			doc.Content = sv.StringValue
		case UnitIDKey:
			doc.ID = sv.StringValue
		default:
			doc.Metadata[k] = sv.StringValue
		}
	}
	return doc
}
