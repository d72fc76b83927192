package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bdougie/framesearch/internal/models"
)

type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// Qdrant stores each collection as a Qdrant collection with a single unnamed
// vector. Frame metadata travels in the point payload.
type Qdrant struct {
	client    *qdrant.Client
	batchSize int
}

// Payload keys.
const (
	payloadAssetRef    = "asset_ref"
	payloadVideo       = "video"
	payloadFrameIndex  = "frame_index"
	payloadTimestampMS = "timestamp_ms"
)

func NewQdrant(cfg QdrantConfig, batchSize int) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, models.Wrap(models.KindIndexUnavailable, "index.connect", fmt.Errorf("create qdrant client: %w", err))
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Qdrant{client: client, batchSize: batchSize}, nil
}

func (q *Qdrant) Close() error {
	return q.client.Close()
}

func toDistance(m models.Metric) qdrant.Distance {
	if m == models.MetricDot {
		return qdrant.Distance_Dot
	}
	return qdrant.Distance_Cosine
}

func fromDistance(d qdrant.Distance) models.Metric {
	switch d {
	case qdrant.Distance_Cosine:
		return models.MetricCosine
	case qdrant.Distance_Dot:
		return models.MetricDot
	}
	return models.Metric(d.String())
}

func (q *Qdrant) lookup(ctx context.Context, name string) (*models.Schema, error) {
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, classifyGRPC("index.lookup", err)
	}
	if !exists {
		return nil, nil
	}
	info, err := q.client.GetCollectionInfo(ctx, name)
	if err != nil {
		return nil, classifyGRPC("index.lookup", err)
	}
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	return &models.Schema{
		Dimensions: int(params.GetSize()),
		Metric:     fromDistance(params.GetDistance()),
	}, nil
}

func (q *Qdrant) EnsureCollection(ctx context.Context, name string, schema models.Schema, opts EnsureOptions) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	existing, err := q.lookup(ctx, name)
	if err != nil {
		return err
	}
	act, err := decide(name, existing, schema, opts)
	if err != nil {
		return err
	}

	switch act {
	case actionKeep:
		return nil
	case actionRecreate:
		if err := q.client.DeleteCollection(ctx, name); err != nil {
			return classifyGRPC("index.ensure", err)
		}
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(schema.Dimensions),
			Distance: toDistance(schema.Metric),
		}),
	})
	return classifyGRPC("index.ensure", err)
}

func (q *Qdrant) Schema(ctx context.Context, name string) (models.Schema, error) {
	s, err := q.lookup(ctx, name)
	if err != nil {
		return models.Schema{}, err
	}
	if s == nil {
		return models.Schema{}, notFound("index.schema", name)
	}
	return *s, nil
}

func toPoint(r models.FrameRecord) (*qdrant.PointStruct, error) {
	payload, err := qdrant.TryValueMap(map[string]any{
		payloadAssetRef:    r.AssetRef,
		payloadVideo:       r.Video,
		payloadFrameIndex:  r.FrameIndex,
		payloadTimestampMS: r.TimestampMS,
	})
	if err != nil {
		return nil, models.Wrap(models.KindInternal, "index.insert", fmt.Errorf("record %s payload: %w", r.ID, err))
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewID(r.ID),
		Vectors: qdrant.NewVectors(r.Vector...),
		Payload: payload,
	}, nil
}

func fromPoint(p *qdrant.ScoredPoint) models.Match {
	payload := p.GetPayload()
	id := p.GetId().GetUuid()
	if id == "" {
		id = fmt.Sprint(p.GetId().GetNum())
	}
	return models.Match{
		ID:          id,
		Score:       p.GetScore(),
		AssetRef:    payload[payloadAssetRef].GetStringValue(),
		Video:       payload[payloadVideo].GetStringValue(),
		FrameIndex:  int(payload[payloadFrameIndex].GetIntegerValue()),
		TimestampMS: payload[payloadTimestampMS].GetIntegerValue(),
	}
}

// Insert converts every record before the first upsert, then sends one
// waited upsert per chunk.
func (q *Qdrant) Insert(ctx context.Context, name string, records []models.FrameRecord) error {
	schema, err := q.Schema(ctx, name)
	if err != nil {
		return err
	}
	if err := validateRecords("index.insert", schema, records); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		p, err := toPoint(r)
		if err != nil {
			return err
		}
		points = append(points, p)
	}

	for _, span := range chunks(len(points), q.batchSize) {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points:         points[span[0]:span[1]],
		})
		if err != nil {
			return classifyGRPC("index.insert", err)
		}
	}
	return nil
}

func (q *Qdrant) Search(ctx context.Context, name string, vector []float32, k int) ([]models.Match, error) {
	schema, err := q.Schema(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := schema.CheckDimensions("index.search", vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []models.Match{}, nil
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, classifyGRPC("index.search", err)
	}

	matches := make([]models.Match, 0, len(points))
	for _, p := range points {
		matches = append(matches, fromPoint(p))
	}
	return matches, nil
}

func (q *Qdrant) Count(ctx context.Context, name string) (int, error) {
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: name,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, classifyGRPC("index.count", err)
	}
	return int(n), nil
}

// classifyGRPC maps gRPC status codes returned by Qdrant onto error kinds.
func classifyGRPC(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.Wrap(models.KindIndexUnavailable, op, err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Unauthenticated:
		return models.Wrap(models.KindIndexUnavailable, op, err)
	case codes.NotFound:
		return models.Wrap(models.KindNotFound, op, err)
	}
	return err
}
