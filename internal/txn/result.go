package txn

// Result carries the server's response to a successful dispatch. The engine
// merges ConfirmedID into the transaction record; everything else passes
// through to consumers opaquely (AI enrichment, streak and reward metadata).
type Result struct {
	// ConfirmedID is the server-assigned entity id. Populated for CAPTURE;
	// empty for mutations on already-confirmed entities.
	ConfirmedID string

	// Fields holds server-returned attributes keyed by their wire names,
	// e.g. "title", "category", "tags", "expires_at". Opaque to the engine;
	// consumers merge what they understand.
	Fields map[string]any
}
