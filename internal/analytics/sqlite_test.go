package analytics

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicpulse/heatmap-cli/internal/heatmap"
)

func seedExtract(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extract.db")
	sdb, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer sdb.Close() //nolint:errcheck

	_, err = sdb.Exec(SQLiteSchema)
	require.NoError(t, err)

	stmts := []string{
		`INSERT INTO issues VALUES ('p1', 77.205, 28.612, 0.8, '2024-03-30T08:00:00Z', 'traffic', 'high', 'Signal out', '', 'open')`,
		`INSERT INTO issues VALUES ('p2', 77.210, 28.615, 0.9, '2024-03-29T08:00:00Z', 'electricity', 'critical', '', '', '')`,
		`INSERT INTO issues VALUES ('p3', 77.215, 28.618, 0.5, '2024-03-28T08:00:00Z', 'water', 'medium', '', '', '')`,
		// Outside the viewport.
		`INSERT INTO issues VALUES ('far', 72.87, 19.07, 0.4, '2024-03-30T08:00:00Z', 'roads', 'low', '', '', '')`,
		// Older than the historical depth.
		`INSERT INTO issues VALUES ('old', 77.21, 28.615, 0.4, '2023-01-01T00:00:00Z', 'roads', 'low', '', '', '')`,
		`INSERT INTO clusters VALUES ('c1', 77.21, 28.615, 3, 0.73, 500, 'traffic, electricity,water', 'traffic', 'critical')`,
		`INSERT INTO anomalies VALUES ('a1', 77.21, 28.615, 0.97, 'spike', 'high', 'Unusual volume', '2024-03-30T09:00:00Z')`,
	}
	for _, s := range stmts {
		_, err := sdb.Exec(s)
		require.NoError(t, err, s)
	}
	return path
}

func TestSQLiteQuerier_Query(t *testing.T) {
	q, err := OpenSQLite(seedExtract(t))
	require.NoError(t, err)
	defer q.Close() //nolint:errcheck
	q.nowFunc = fixedNow

	ds, err := q.Query(context.Background(), delhi, fullConfig())
	require.NoError(t, err)

	require.Len(t, ds.DataPoints, 3)
	assert.Equal(t, "p1", ds.DataPoints[0].ID)
	assert.Equal(t, 2024, ds.DataPoints[0].Timestamp.Year())
	require.Len(t, ds.Clusters, 1)
	assert.Equal(t, []string{"traffic", "electricity", "water"}, ds.Clusters[0].Metadata.Categories)
	require.Len(t, ds.Anomalies, 1)
	assert.Equal(t, "Unusual volume", ds.Anomalies[0].Description)
}

func TestSQLiteQuerier_UnboundedDepth(t *testing.T) {
	q, err := OpenSQLite(seedExtract(t))
	require.NoError(t, err)
	defer q.Close() //nolint:errcheck
	q.nowFunc = fixedNow

	ds, err := q.Query(context.Background(), delhi, heatmap.AnalyticsConfig{})
	require.NoError(t, err)
	assert.Len(t, ds.DataPoints, 4)
	assert.Empty(t, ds.Clusters)
	assert.Empty(t, ds.Anomalies)
}

func TestSQLiteQuerier_IsQueryOnly(t *testing.T) {
	q, err := OpenSQLite(seedExtract(t))
	require.NoError(t, err)
	defer q.Close() //nolint:errcheck

	_, err = q.db.Exec(`DELETE FROM issues`)
	assert.Error(t, err)
}

func TestSQLiteQuerier_MissingTables(t *testing.T) {
	q, err := OpenSQLite(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer q.Close() //nolint:errcheck

	_, err = q.Query(context.Background(), delhi, fullConfig())
	require.Error(t, err)
	assert.Equal(t, heatmap.KindQuery, heatmap.KindOf(err))
}
