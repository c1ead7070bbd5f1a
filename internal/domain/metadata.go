package domain

// MetadataJob is a mint waiting for identity/social enrichment.
type MetadataJob struct {
	Mint       string
	Attempts   int   // fetch attempts made so far
	EnqueuedAt int64 // ms
}
