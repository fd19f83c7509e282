package mesh

// ShouldInitiate reports whether the local endpoint originates the call for
// the pair. Exactly one side of any pair of distinct ids returns true.
func ShouldInitiate(localID, remoteID string) bool {
	return localID > remoteID
}
