package persistence

// RetentionPolicy bounds how much history a backend's maintenance
// operations (list/compact) keep. Each bound is optional (zero value
// disables it); when several are set, all are applied, most restrictive
// wins for each record.
type RetentionPolicy struct {
	// MaxRecords keeps at most this many of the newest records.
	MaxRecords int
	// MaxAgeSeconds drops records older than now - MaxAgeSeconds, where
	// "now" is the caller-supplied reference time (passed explicitly to
	// ApplyRetention, never read from the wall clock, so retention is
	// deterministic in tests).
	MaxAgeSeconds float64
	// MaxTotalBytes keeps the newest records whose serialized size (as
	// measured by the caller-supplied sizeOf) sums to at most this many
	// bytes.
	MaxTotalBytes int64
}

// ApplyRetention filters rows (oldest first) down to what the policy
// allows. now is the reference time for MaxAgeSeconds; sizeOf measures a
// single serialized row for MaxTotalBytes. A nil policy is a no-op.
func ApplyRetention[T any](rows []T, policy *RetentionPolicy, now float64, ts func(T) float64, sizeOf func(T) int64) []T {
	if policy == nil {
		return rows
	}

	out := rows

	if policy.MaxAgeSeconds > 0 {
		filtered := out[:0:0]
		cutoff := now - policy.MaxAgeSeconds
		for _, r := range out {
			if ts(r) >= cutoff {
				filtered = append(filtered, r)
			}
		}
		out = filtered
	}

	if policy.MaxTotalBytes > 0 {
		// Keep the newest rows whose cumulative size fits the budget.
		var total int64
		keepFrom := len(out)
		for i := len(out) - 1; i >= 0; i-- {
			total += sizeOf(out[i])
			if total > policy.MaxTotalBytes {
				break
			}
			keepFrom = i
		}
		out = out[keepFrom:]
	}

	if policy.MaxRecords > 0 && len(out) > policy.MaxRecords {
		out = out[len(out)-policy.MaxRecords:]
	}

	return out
}
