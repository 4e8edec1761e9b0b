package types

// ObservationEvent records that a memory was used in some context. Events
// are ephemeral: the caller owns them until they are applied to the store,
// where they mutate last_used, use_count and (for cross-domain usage)
// strength. They are never persisted themselves.
type ObservationEvent struct {
	MemoryID    string   `json:"memory_id"`
	ObservedAt  int64    `json:"observed_at"`
	ContextTags []string `json:"context_tags,omitempty"`
}
