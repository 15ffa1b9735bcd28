package syncengine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/baesync/bae-sync/internal/changeset"
	"github.com/baesync/bae-sync/internal/cloudhome"
)

// ImageSource supplies the local bytes for an image referenced by a
// library_images row, so the push path can upload it before the
// changeset that references it (spec.md §4.6 "Image side-files"). Reading
// and producing the actual image bytes is out of this core's scope
// (spec.md §1 Non-goals list the music importer and per-file audio
// encryption as external collaborators) — ImageSource is the seam the
// core calls through.
type ImageSource interface {
	Read(ctx context.Context, imageID string) ([]byte, error)
}

// imageIDsTouched extracts every library_images row's id mentioned by an
// INSERT or UPDATE in cs (deletes carry no bytes to upload/fetch).
func imageIDsTouched(cs *changeset.Changeset) []string {
	if cs == nil {
		return nil
	}
	var ids []string
	for _, row := range cs.Rows {
		if row.Table != "library_images" || row.Op == changeset.RowDelete {
			continue
		}
		if id, ok := row.PK["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// uploadTouchedImages implements the push-side half of spec.md §4.6:
// "iterate the outgoing changeset; for each library_images insert/update,
// upload the corresponding image bytes before the changeset upload."
func uploadTouchedImages(ctx context.Context, home cloudhome.Home, source ImageSource, masterKey [32]byte, cs *changeset.Changeset, seal func([32]byte, []byte) ([]byte, error)) error {
	if source == nil {
		return nil
	}
	for _, imageID := range imageIDsTouched(cs) {
		path := cloudhome.ImagePath(imageID)
		exists, err := home.Exists(ctx, path)
		if err != nil {
			return fmt.Errorf("syncengine: check image %s: %w", imageID, err)
		}
		if exists {
			continue
		}
		raw, err := source.Read(ctx, imageID)
		if err != nil {
			return fmt.Errorf("syncengine: read local image %s: %w", imageID, err)
		}
		blob, err := seal(masterKey, raw)
		if err != nil {
			return fmt.Errorf("syncengine: seal image %s: %w", imageID, err)
		}
		if err := home.Write(ctx, path, blob); err != nil {
			return fmt.Errorf("syncengine: upload image %s: %w", imageID, err)
		}
	}
	return nil
}

// queueMissingImageFetches implements the pull-side half of spec.md §4.6:
// "for each library_images insert/update, verify local presence; if
// missing, schedule a targeted download" — and spec.md §8 property 7
// ("either the image bytes exist locally or an enqueued fetch is
// pending").
func queueMissingImageFetches(ctx context.Context, db *sql.DB, localImages ImageSource, cs *changeset.Changeset) error {
	for _, imageID := range imageIDsTouched(cs) {
		if localImages != nil {
			if _, err := localImages.Read(ctx, imageID); err == nil {
				continue // already present locally
			}
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO image_fetch_queue (image_id, queued_at) VALUES (?, ?)
			 ON CONFLICT(image_id) DO NOTHING`,
			imageID, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("syncengine: queue image fetch %s: %w", imageID, err)
		}
	}
	return nil
}
