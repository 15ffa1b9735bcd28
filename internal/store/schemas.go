package store

import "github.com/baesync/bae-sync/internal/changeset"

// SyncedTableSchemas names the primary key and full column set for every
// entry in SyncedTables, in the shape changeset.NewCapture needs to
// translate SQLite rowids back into PK-addressed changeset rows. Kept
// alongside schema.sql so the two stay in lockstep.
func SyncedTableSchemas() []changeset.TableSchema {
	return []changeset.TableSchema{
		{Name: "artists", PrimaryKey: []string{"id"}, Columns: []string{"id", "name", "sort_name", "_updated_at"}},
		{Name: "albums", PrimaryKey: []string{"id"}, Columns: []string{"id", "title", "artist_id", "year", "_updated_at"}},
		{Name: "album_external_ids", PrimaryKey: []string{"album_id", "source"}, Columns: []string{"album_id", "source", "external_id", "_updated_at"}},
		{Name: "releases", PrimaryKey: []string{"id"}, Columns: []string{"id", "album_id", "title", "year", "_updated_at"}},
		{Name: "release_external_ids", PrimaryKey: []string{"release_id", "source"}, Columns: []string{"release_id", "source", "external_id", "_updated_at"}},
		{Name: "tracks", PrimaryKey: []string{"id"}, Columns: []string{"id", "release_id", "title", "track_number", "duration_ms", "_updated_at"}},
		{Name: "track_artists", PrimaryKey: []string{"track_id", "artist_id", "role"}, Columns: []string{"track_id", "artist_id", "role", "_updated_at"}},
		{Name: "track_external_ids", PrimaryKey: []string{"track_id", "source"}, Columns: []string{"track_id", "source", "external_id", "_updated_at"}},
		{Name: "release_files", PrimaryKey: []string{"id"}, Columns: []string{"id", "track_id", "source_path", "encryption_nonce", "size_bytes", "checksum", "_updated_at"}},
		{Name: "audio_formats", PrimaryKey: []string{"release_file_id"}, Columns: []string{"release_file_id", "codec", "bitrate_kbps", "sample_rate_hz", "channels", "_updated_at"}},
		{Name: "library_images", PrimaryKey: []string{"id"}, Columns: []string{"id", "subject_type", "subject_id", "kind", "width", "height", "_updated_at"}},
	}
}
