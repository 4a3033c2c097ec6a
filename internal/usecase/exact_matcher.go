package usecase

// FindExact returns the stored key whose normalized form equals the query.
// The stored key, not its normalized form, is returned because it is the join key.
func FindExact(normalizedQuery string, keys []string) (string, bool) {
	if normalizedQuery == "" {
		return "", false
	}
	for _, key := range keys {
		if Normalize(key) == normalizedQuery {
			return key, true
		}
	}
	return "", false
}
