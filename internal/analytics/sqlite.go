package analytics

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/civicpulse/heatmap-cli/internal/geo"
	"github.com/civicpulse/heatmap-cli/internal/heatmap"
)

// SQLiteSchema is the layout of an offline analytics extract. Timestamps are
// RFC 3339 UTC text; cluster categories are comma separated.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS issues (
	id          TEXT PRIMARY KEY,
	lng         REAL NOT NULL,
	lat         REAL NOT NULL,
	intensity   REAL NOT NULL DEFAULT 0,
	reported_at TEXT NOT NULL,
	category    TEXT NOT NULL,
	urgency     TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS clusters (
	id                TEXT PRIMARY KEY,
	lng               REAL NOT NULL,
	lat               REAL NOT NULL,
	member_count      INTEGER NOT NULL,
	avg_intensity     REAL NOT NULL DEFAULT 0,
	radius            REAL NOT NULL DEFAULT 0,
	categories        TEXT NOT NULL DEFAULT '',
	dominant_category TEXT NOT NULL DEFAULT '',
	max_urgency       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS anomalies (
	id          TEXT PRIMARY KEY,
	lng         REAL NOT NULL,
	lat         REAL NOT NULL,
	score       REAL NOT NULL,
	kind        TEXT NOT NULL,
	severity    TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	detected_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_issues_lnglat ON issues(lng, lat);
CREATE INDEX IF NOT EXISTS idx_clusters_lnglat ON clusters(lng, lat);
CREATE INDEX IF NOT EXISTS idx_anomalies_lnglat ON anomalies(lng, lat);
`

const (
	sqlitePointsSQL = `SELECT id, lng, lat, intensity, reported_at, category, urgency, title, description, status
FROM issues
WHERE lng BETWEEN ? AND ? AND lat BETWEEN ? AND ? AND reported_at >= ?
ORDER BY reported_at DESC`

	sqliteClustersSQL = `SELECT id, lng, lat, member_count, avg_intensity, radius, categories, dominant_category, max_urgency
FROM clusters
WHERE lng BETWEEN ? AND ? AND lat BETWEEN ? AND ?
ORDER BY member_count DESC`

	sqliteAnomaliesSQL = `SELECT id, lng, lat, score, kind, severity, description, detected_at
FROM anomalies
WHERE lng BETWEEN ? AND ? AND lat BETWEEN ? AND ? AND detected_at >= ?
ORDER BY score DESC`
)

// SQLiteQuerier serves viewport queries from an offline extract, for field
// use without the analytics service.
type SQLiteQuerier struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// OpenSQLite opens the extract at path. Connections are query-only.
func OpenSQLite(path string) (*SQLiteQuerier, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "analytics: sqlite open")
	}
	// query_only is per connection.
	sdb.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA query_only=ON",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "analytics: sqlite exec %s", pragma)
		}
	}
	return NewSQLiteQuerier(sdb), nil
}

// NewSQLiteQuerier wraps an open database. The querier owns it.
func NewSQLiteQuerier(sdb *sql.DB) *SQLiteQuerier {
	return &SQLiteQuerier{db: sdb, nowFunc: time.Now}
}

// Query implements Querier.
func (q *SQLiteQuerier) Query(ctx context.Context, bounds geo.RegionBounds, cfg heatmap.AnalyticsConfig) (*heatmap.Dataset, error) {
	now := q.nowFunc()
	from := formatTime(since(cfg, now))
	box := []any{bounds.West(), bounds.East(), bounds.South(), bounds.North()}

	var resp Response
	var err error

	resp.DataPoints, err = sqliteRows(ctx, q.db, sqlitePointsSQL, append(box, from), scanSQLitePoint)
	if err != nil {
		return nil, heatmap.Wrap(heatmap.KindQuery, eris.Wrap(err, "analytics: sqlite points"))
	}
	if cfg.EnableClustering {
		resp.Clusters, err = sqliteRows(ctx, q.db, sqliteClustersSQL, box, scanSQLiteCluster)
		if err != nil {
			return nil, heatmap.Wrap(heatmap.KindQuery, eris.Wrap(err, "analytics: sqlite clusters"))
		}
	}
	if cfg.EnableAnomalyDetection {
		resp.Anomalies, err = sqliteRows(ctx, q.db, sqliteAnomaliesSQL, append(box, from), scanSQLiteAnomaly)
		if err != nil {
			return nil, heatmap.Wrap(heatmap.KindQuery, eris.Wrap(err, "analytics: sqlite anomalies"))
		}
	}
	return finalize(resp, bounds, cfg, now), nil
}

// Close implements Querier.
func (q *SQLiteQuerier) Close() error {
	return q.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	return t.UTC(), err
}

func sqliteRows[T any](ctx context.Context, sdb *sql.DB, query string, args []any, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := sdb.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanSQLitePoint(rows *sql.Rows) (heatmap.DataPoint, error) {
	var p heatmap.DataPoint
	var lng, lat float64
	var ts string
	if err := rows.Scan(&p.ID, &lng, &lat, &p.Intensity, &ts,
		&p.Metadata.Category, &p.Metadata.Urgency, &p.Metadata.Title,
		&p.Metadata.Description, &p.Metadata.Status); err != nil {
		return p, eris.Wrap(err, "scan issue")
	}
	p.Coordinates = geo.LngLat{lng, lat}
	t, err := parseTime(ts)
	if err != nil {
		return p, eris.Wrapf(err, "issue %s: reported_at", p.ID)
	}
	p.Timestamp = t
	return p, nil
}

func scanSQLiteCluster(rows *sql.Rows) (heatmap.Cluster, error) {
	var c heatmap.Cluster
	var lng, lat float64
	var cats string
	if err := rows.Scan(&c.ID, &lng, &lat, &c.Count, &c.AvgIntensity, &c.Radius,
		&cats, &c.Metadata.DominantCategory, &c.Metadata.MaxUrgency); err != nil {
		return c, eris.Wrap(err, "scan cluster")
	}
	c.Center = geo.LngLat{lng, lat}
	c.Metadata.Categories = splitCategories(cats)
	return c, nil
}

func scanSQLiteAnomaly(rows *sql.Rows) (heatmap.Anomaly, error) {
	var a heatmap.Anomaly
	var lng, lat float64
	var ts string
	if err := rows.Scan(&a.ID, &lng, &lat, &a.Score, &a.Kind, &a.Severity,
		&a.Description, &ts); err != nil {
		return a, eris.Wrap(err, "scan anomaly")
	}
	a.Coordinates = geo.LngLat{lng, lat}
	t, err := parseTime(ts)
	if err != nil {
		return a, eris.Wrapf(err, "anomaly %s: detected_at", a.ID)
	}
	a.DetectedAt = t
	return a, nil
}

func splitCategories(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
