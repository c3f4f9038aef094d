package state

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ClampLimit applies the list defaults used by every backend.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
