package llm

// modelForTier picks the configured model for a tier, falling back to
// whichever model is set.
func modelForTier(tier, fast, balanced, fallback string) string {
	switch tier {
	case "fast":
		if fast != "" {
			return fast
		}
	case "balanced":
		if balanced != "" {
			return balanced
		}
	}
	if balanced != "" {
		return balanced
	}
	if fast != "" {
		return fast
	}
	return fallback
}
