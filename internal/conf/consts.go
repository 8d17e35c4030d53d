package conf

// SnapshotFileName is the fixed name of the local detection snapshot cache.
// It mirrors the storage key the web client uses for the same data.
const SnapshotFileName = "garbage_detections.json"

// Location provider names.
const (
	LocationProviderFixed = "fixed"
	LocationProviderIP    = "ip"
)
