package models

import "fmt"

// DefaultCollection is the collection every ingestion and query targets
// unless configured otherwise.
const DefaultCollection = "video_frames"

// Metric is the distance function a collection is created with.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricDot    Metric = "dot"
)

// Valid reports whether m is a metric the index backends support.
func (m Metric) Valid() bool {
	return m == MetricCosine || m == MetricDot
}

// Schema describes the vectors a collection accepts. It is fixed when the
// collection is created.
type Schema struct {
	Dimensions int    `json:"dimensions"`
	Metric     Metric `json:"metric"`
}

func (s Schema) String() string {
	return fmt.Sprintf("%d/%s", s.Dimensions, s.Metric)
}

// Validate checks that the schema can be used to create a collection.
func (s Schema) Validate() error {
	if s.Dimensions <= 0 {
		return Errorf(KindInternal, "schema", "dimensions must be positive, got %d", s.Dimensions)
	}
	if !s.Metric.Valid() {
		return Errorf(KindInternal, "schema", "unsupported metric %q", s.Metric)
	}
	return nil
}

// CheckDimensions returns a dimension mismatch error when vec does not fit s.
func (s Schema) CheckDimensions(op string, vec []float32) error {
	if len(vec) != s.Dimensions {
		return Errorf(KindDimensionMismatch, op, "vector has %d dimensions, collection expects %d", len(vec), s.Dimensions)
	}
	return nil
}

// FrameRecord is one indexed frame. It is immutable once inserted.
type FrameRecord struct {
	ID          string    `json:"id"`
	AssetRef    string    `json:"asset_ref"`
	Video       string    `json:"video"`
	FrameIndex  int       `json:"frame_index"`
	TimestampMS int64     `json:"timestamp_ms"`
	Vector      []float32 `json:"-"`
}

// Match is a single search hit, ordered by descending Score.
type Match struct {
	ID          string  `json:"id"`
	Score       float32 `json:"score"`
	AssetRef    string  `json:"image"`
	Video       string  `json:"video,omitempty"`
	FrameIndex  int     `json:"frame_index"`
	TimestampMS int64   `json:"timestamp_ms"`
}

// IngestResult summarizes one video ingestion.
type IngestResult struct {
	Video   string `json:"video"`
	Sampled int    `json:"frames_sampled"`
	Indexed int    `json:"frames_extracted"`
	Skipped int    `json:"frames_skipped"`
}
