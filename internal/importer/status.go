package importer

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// Rank orders statuses along the lifecycle. Stores refuse any update whose
// rank is lower than the current one. processing and extracting share a rank
// because an Extractor may report either first.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusDownloading:
		return 1
	case StatusProcessing, StatusExtracting:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	default:
		return -1
	}
}

// CanAdvance reports whether a job in status from may move to status to.
func CanAdvance(from, to Status) bool {
	if from.IsTerminal() || !to.Valid() {
		return false
	}
	return to.Rank() >= from.Rank()
}

// ClampPercent bounds a progress value to 0..100.
func ClampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
