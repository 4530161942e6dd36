package analytics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicpulse/heatmap-cli/internal/db"
	"github.com/civicpulse/heatmap-cli/internal/geo"
	"github.com/civicpulse/heatmap-cli/internal/heatmap"
)

// Precomputed analytics views, filtered by bounding box in SRID 4326.
const (
	pointsSQL = `SELECT id, ST_X(geom), ST_Y(geom), intensity, reported_at,
	category, urgency, COALESCE(title, ''), COALESCE(description, ''), COALESCE(status, '')
FROM analytics.issue_points
WHERE geom && ST_MakeEnvelope($1, $2, $3, $4, 4326)
  AND reported_at >= $5
ORDER BY reported_at DESC`

	clustersSQL = `SELECT id, ST_X(center), ST_Y(center), member_count, avg_intensity, radius_m,
	categories, COALESCE(dominant_category, ''), COALESCE(max_urgency, '')
FROM analytics.issue_clusters
WHERE center && ST_MakeEnvelope($1, $2, $3, $4, 4326)
ORDER BY member_count DESC`

	anomaliesSQL = `SELECT id, ST_X(geom), ST_Y(geom), score, kind, severity,
	COALESCE(description, ''), detected_at
FROM analytics.issue_anomalies
WHERE geom && ST_MakeEnvelope($1, $2, $3, $4, 4326)
  AND detected_at >= $5
ORDER BY score DESC`
)

// PostgresQuerier reads analytics results the service materializes into
// PostGIS tables. It never writes.
type PostgresQuerier struct {
	pool    db.Pool
	nowFunc func() time.Time
}

// NewPostgresQuerier wraps a pool. The querier owns the pool and closes it.
func NewPostgresQuerier(pool db.Pool) *PostgresQuerier {
	return &PostgresQuerier{pool: pool, nowFunc: time.Now}
}

// Query implements Querier.
func (q *PostgresQuerier) Query(ctx context.Context, bounds geo.RegionBounds, cfg heatmap.AnalyticsConfig) (*heatmap.Dataset, error) {
	now := q.nowFunc()
	from := since(cfg, now)
	env := []any{bounds.West(), bounds.South(), bounds.East(), bounds.North()}

	var resp Response
	var err error

	resp.DataPoints, err = queryRows(ctx, q.pool, pointsSQL, append(env, from), scanPoint)
	if err != nil {
		return nil, classify(eris.Wrap(err, "analytics: query points"))
	}
	if cfg.EnableClustering {
		resp.Clusters, err = queryRows(ctx, q.pool, clustersSQL, env, scanCluster)
		if err != nil {
			return nil, classify(eris.Wrap(err, "analytics: query clusters"))
		}
	}
	if cfg.EnableAnomalyDetection {
		resp.Anomalies, err = queryRows(ctx, q.pool, anomaliesSQL, append(env, from), scanAnomaly)
		if err != nil {
			return nil, classify(eris.Wrap(err, "analytics: query anomalies"))
		}
	}

	zap.L().Debug("analytics: postgres query",
		zap.String("bounds", bounds.Key()),
		zap.Int("points", len(resp.DataPoints)),
		zap.Int("clusters", len(resp.Clusters)),
		zap.Int("anomalies", len(resp.Anomalies)),
	)
	return finalize(resp, bounds, cfg, now), nil
}

// Close implements Querier.
func (q *PostgresQuerier) Close() error {
	q.pool.Close()
	return nil
}

func queryRows[T any](ctx context.Context, pool db.Pool, sql string, args []any, scan func(pgx.Rows) (T, error)) ([]T, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scan")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanPoint(rows pgx.Rows) (heatmap.DataPoint, error) {
	var p heatmap.DataPoint
	var lng, lat float64
	err := rows.Scan(&p.ID, &lng, &lat, &p.Intensity, &p.Timestamp,
		&p.Metadata.Category, &p.Metadata.Urgency, &p.Metadata.Title,
		&p.Metadata.Description, &p.Metadata.Status)
	p.Coordinates = geo.LngLat{lng, lat}
	return p, err
}

func scanCluster(rows pgx.Rows) (heatmap.Cluster, error) {
	var c heatmap.Cluster
	var lng, lat float64
	err := rows.Scan(&c.ID, &lng, &lat, &c.Count, &c.AvgIntensity, &c.Radius,
		&c.Metadata.Categories, &c.Metadata.DominantCategory, &c.Metadata.MaxUrgency)
	c.Center = geo.LngLat{lng, lat}
	return c, err
}

func scanAnomaly(rows pgx.Rows) (heatmap.Anomaly, error) {
	var a heatmap.Anomaly
	var lng, lat float64
	err := rows.Scan(&a.ID, &lng, &lat, &a.Score, &a.Kind, &a.Severity,
		&a.Description, &a.DetectedAt)
	a.Coordinates = geo.LngLat{lng, lat}
	return a, err
}
