package syncengine

import (
	"encoding/hex"

	jsoniter "github.com/json-iterator/go"
)

var headJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// headDoc is the heads/{device_id}.json.enc payload (spec.md §6).
// SnapshotSeq is reserved for tagging a head with the snapshot generation
// it was last covered by; bae-sync's single-snapshot-in-place design
// (spec.md §4.7: "Overwritten in place; no versioning") means every device
// shares one snapshot cutoff, so Engine currently always writes zero here
// and readers must not assume it is populated.
type headDoc struct {
	Seq         uint64 `json:"seq"`
	SnapshotSeq uint64 `json:"snapshot_seq"`
}

func marshalHead(h headDoc) ([]byte, error) { return headJSON.Marshal(h) }

func unmarshalHead(data []byte) (headDoc, error) {
	var h headDoc
	err := headJSON.Unmarshal(data, &h)
	return h, err
}

func hexEncode(b []byte) string { return hex.EncodeToString(b) }
