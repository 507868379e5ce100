package tools

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
CREATE TABLE artists (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE albums (id INTEGER PRIMARY KEY, title TEXT NOT NULL, artist_id INTEGER REFERENCES artists(id));
INSERT INTO artists (id, name) VALUES (1, 'AC/DC'), (2, 'Accept'), (3, 'Aerosmith');
INSERT INTO albums (id, title, artist_id) VALUES
	(1, 'For Those About To Rock', 1),
	(2, 'Balls to the Wall', 2),
	(3, 'Restless and Wild', 2),
	(4, 'Big Ones', 3);
`

func testDatabase(t *testing.T, sampleRows, rowLimit int) *Database {
	t.Helper()
	db, err := sql.Open(DriverName, ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	d := NewDatabase(db, sampleRows, rowLimit)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDatabaseTables(t *testing.T) {
	d := testDatabase(t, 3, 100)
	tables, err := d.Tables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"albums", "artists"}, tables)
}

func TestDatabaseTableInfo(t *testing.T) {
	d := testDatabase(t, 2, 100)

	info, err := d.TableInfo(context.Background(), []string{"artists"})
	require.NoError(t, err)
	assert.Contains(t, info, "CREATE TABLE artists")
	assert.Contains(t, info, "2 rows from artists table:")
	assert.Contains(t, info, "id\tname")
	assert.Contains(t, info, "1\tAC/DC")
	assert.NotContains(t, info, "Aerosmith")

	_, err = d.TableInfo(context.Background(), []string{"artists", "tracks"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracks")
}

func TestDatabaseTableInfoWithoutSamples(t *testing.T) {
	d := testDatabase(t, 0, 100)
	info, err := d.TableInfo(context.Background(), []string{"albums", "artists"})
	require.NoError(t, err)
	assert.NotContains(t, info, "/*")
	assert.Contains(t, info, "CREATE TABLE albums")
	assert.Contains(t, info, "CREATE TABLE artists")
}

func TestDatabaseQuery(t *testing.T) {
	d := testDatabase(t, 3, 100)
	res, err := d.Query(context.Background(),
		"SELECT ar.name, COUNT(*) AS albums FROM artists ar JOIN albums al ON al.artist_id = ar.id GROUP BY ar.name ORDER BY albums DESC, ar.name;")
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "albums"}, res.Columns)
	assert.Equal(t, [][]string{{"Accept", "2"}, {"AC/DC", "1"}, {"Aerosmith", "1"}}, res.Rows)
	assert.False(t, res.Truncated)
	assert.Equal(t, "name | albums\nAccept | 2\nAC/DC | 1\nAerosmith | 1", res.String())
}

func TestDatabaseQueryRowLimit(t *testing.T) {
	d := testDatabase(t, 3, 2)
	res, err := d.Query(context.Background(), "SELECT title FROM albums ORDER BY id")
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
	assert.True(t, res.Truncated)
	assert.Contains(t, res.String(), "truncated to 2 rows")
}

func TestDatabaseQueryNull(t *testing.T) {
	d := testDatabase(t, 3, 100)
	res, err := d.Query(context.Background(), "SELECT NULL AS empty, 1.5 AS half")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"NULL", "1.5"}}, res.Rows)
}

func TestDatabaseQueryEmptyResult(t *testing.T) {
	d := testDatabase(t, 3, 100)
	res, err := d.Query(context.Background(), "SELECT * FROM artists WHERE id > 100")
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Equal(t, "", res.String())
}

func TestDatabaseRejectsWrites(t *testing.T) {
	d := testDatabase(t, 3, 100)
	_, err := d.Query(context.Background(), "DELETE FROM artists")
	require.ErrorIs(t, err, ErrNotReadOnly)

	tables, err := d.Tables(context.Background())
	require.NoError(t, err)
	assert.Len(t, tables, 2)
}

func TestDatabaseExplain(t *testing.T) {
	d := testDatabase(t, 3, 100)
	plan, err := d.Explain(context.Background(), "SELECT * FROM albums WHERE artist_id = 2")
	require.NoError(t, err)
	require.NotEmpty(t, plan)
	assert.Contains(t, plan[0], "albums")

	_, err = d.Explain(context.Background(), "SELECT missing FROM albums")
	require.Error(t, err)
}

func TestReadOnly(t *testing.T) {
	accepted := map[string]string{
		"SELECT 1":                                    "SELECT 1",
		"  select * from albums;  ":                   "select * from albums",
		"```sql\nSELECT 1\n```":                       "SELECT 1",
		`"SELECT 1"`:                                  "SELECT 1",
		"WITH a AS (SELECT 1) SELECT * FROM a":        "WITH a AS (SELECT 1) SELECT * FROM a",
		"SELECT name FROM artists WHERE name = 'a;b'": "SELECT name FROM artists WHERE name = 'a;b'",
		"SELECT 'DROP TABLE x'":                       "SELECT 'DROP TABLE x'",
		"-- top artists\nSELECT name FROM artists":    "-- top artists\nSELECT name FROM artists",
	}
	for in, want := range accepted {
		got, err := ReadOnly(in)
		if assert.NoError(t, err, in) {
			assert.Equal(t, want, got, in)
		}
	}

	rejected := []string{
		"",
		"   ;  ",
		"-- only a comment",
		"UPDATE artists SET name = 'x'",
		"SELECT 1; DROP TABLE artists",
		"WITH a AS (SELECT 1) DELETE FROM artists",
		"PRAGMA table_info(artists)",
		"ATTACH DATABASE 'x.db' AS x",
	}
	for _, in := range rejected {
		_, err := ReadOnly(in)
		assert.ErrorIs(t, err, ErrNotReadOnly, in)
	}
}

func TestCleanInput(t *testing.T) {
	assert.Equal(t, "SELECT 1", CleanInput("```sqlite\nSELECT 1\n```"))
	assert.Equal(t, "artists, albums", CleanInput("`artists, albums`"))
	assert.Equal(t, "plain", CleanInput("  plain \n"))
}
