package priorauth

// Aggregate derives the claim-level disposition from the complete set of item
// outcomes. Cancelled items take no part in the verdict.
func Aggregate(outcomes []ItemOutcome) Disposition {
	var approved, denied, pended bool
	for _, o := range outcomes {
		switch o {
		case ItemApproved:
			approved = true
		case ItemDenied:
			denied = true
		case ItemPended:
			pended = true
		}
	}

	switch {
	case pended:
		return DispositionPending
	case approved && denied:
		return DispositionPartial
	case approved:
		return DispositionGranted
	case denied:
		return DispositionDenied
	default:
		return DispositionUnknown
	}
}
