// Path helpers for the logical cloud-home layout in spec.md §6. Grounded on
// massifs/storage/storagepaths.go's FmtMassifPath/FmtCheckpointPath style of
// small formatting functions plus a parser for the inverse direction.
package cloudhome

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	SnapshotPath          = "snapshot.db.enc"
	MinSchemaVersionPath  = "min_schema_version.json.enc"
	changesPrefixFmt      = "changes/%s/"
	headsPrefixFmt        = "heads/%s.json.enc"
	imagesPrefixFmt       = "images/%s/%s/%s"
	membershipPrefixFmt   = "membership/%s/"
	membershipEntryFmt    = "membership/%s/%d.enc"
	keyWrapPathFmt        = "keys/%s.enc"
)

func ChangePath(deviceID string, seq uint64) string {
	return fmt.Sprintf(changesPrefixFmt+"%d.enc", deviceID, seq)
}

func ChangesPrefix(deviceID string) string {
	return fmt.Sprintf(changesPrefixFmt, deviceID)
}

func HeadPath(deviceID string) string {
	return fmt.Sprintf(headsPrefixFmt, deviceID)
}

const HeadsPrefix = "heads/"

func ImagePath(imageID string) string {
	a, b := imageShard(imageID)
	return fmt.Sprintf(imagesPrefixFmt, a, b, imageID)
}

// imageShard splits imageID into the two-character/two-character shard
// prefix used by the images/{ab}/{cd}/{id} layout (spec.md §6).
func imageShard(imageID string) (string, string) {
	padded := imageID
	for len(padded) < 4 {
		padded = "0" + padded
	}
	return padded[0:2], padded[2:4]
}

func MembershipPrefix(authorPubkeyHex string) string {
	return fmt.Sprintf(membershipPrefixFmt, authorPubkeyHex)
}

func MembershipEntryPath(authorPubkeyHex string, seq uint64) string {
	return fmt.Sprintf(membershipEntryFmt, authorPubkeyHex, seq)
}

func KeyWrapPath(userPubkeyHex string) string {
	return fmt.Sprintf(keyWrapPathFmt, userPubkeyHex)
}

// ParseChangePath extracts (deviceID, seq) from a "changes/{device}/{seq}.enc" path.
func ParseChangePath(path string) (deviceID string, seq uint64, err error) {
	trimmed := strings.TrimPrefix(path, "changes/")
	if trimmed == path {
		return "", 0, fmt.Errorf("cloudhome: not a changes path: %q", path)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("cloudhome: malformed changes path: %q", path)
	}
	seqStr := strings.TrimSuffix(parts[1], ".enc")
	n, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("cloudhome: malformed changes seq in %q: %w", path, err)
	}
	return parts[0], n, nil
}

// ParseHeadPath extracts the device_id from a "heads/{device}.json.enc" path.
func ParseHeadPath(path string) (deviceID string, err error) {
	trimmed := strings.TrimPrefix(path, HeadsPrefix)
	if trimmed == path {
		return "", fmt.Errorf("cloudhome: not a heads path: %q", path)
	}
	deviceID = strings.TrimSuffix(trimmed, ".json.enc")
	if deviceID == trimmed {
		return "", fmt.Errorf("cloudhome: malformed heads path: %q", path)
	}
	return deviceID, nil
}

// FlattenHierarchical encodes a logical "/"-separated path for
// folder-hierarchy backends (OneDrive/Dropbox/iCloud) that are slow at deep
// nesting, by joining segments with "__" instead of creating nested
// folders (spec.md §6).
func FlattenHierarchical(path string) string {
	return strings.ReplaceAll(path, "/", "__")
}

// UnflattenHierarchical reverses FlattenHierarchical.
func UnflattenHierarchical(flat string) string {
	return strings.ReplaceAll(flat, "__", "/")
}
