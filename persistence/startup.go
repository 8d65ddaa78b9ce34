package persistence

import (
	"context"
	"fmt"
)

// StartupMode controls what ApplyStartup does when Scan finds anomalies in
// a backend before an ActorSystem starts using it.
type StartupMode string

const (
	// StartupIgnore proceeds regardless of what Scan finds.
	StartupIgnore StartupMode = "ignore"
	// StartupFailOnAnomaly returns an error if Scan finds anything.
	StartupFailOnAnomaly StartupMode = "fail_on_anomaly"
	// StartupRecover runs Recover (with the given RecoveryConfig) before
	// proceeding, then re-scans to confirm no anomalies remain.
	StartupRecover StartupMode = "recover"
)

// StartupConfig configures ApplyStartup.
type StartupConfig struct {
	Mode     StartupMode
	Recovery RecoveryConfig
}

// StartupError reports that StartupFailOnAnomaly found anomalies, or that
// StartupRecover could not fully clear them.
type StartupError struct {
	Backend   string
	Anomalies []Anomaly
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("persistence: backend %q has %d unresolved anomal(y/ies)", e.Backend, len(e.Anomalies))
}

// ApplyStartup runs a backend's Scan (and, depending on mode, Recover)
// before an ActorSystem begins writing to it, so a backend left in a
// half-written state by a prior crash is caught early rather than silently
// accumulating further corruption.
func ApplyStartup(ctx context.Context, backend Backend, cfg StartupConfig) (ScanReport, error) {
	report, err := backend.Scan(ctx)
	if err != nil {
		return ScanReport{}, err
	}

	switch cfg.Mode {
	case StartupIgnore, "":
		return report, nil

	case StartupFailOnAnomaly:
		if len(report.Anomalies) > 0 {
			return report, &StartupError{Backend: report.Backend, Anomalies: report.Anomalies}
		}
		return report, nil

	case StartupRecover:
		if len(report.Anomalies) == 0 {
			return report, nil
		}
		if _, err := backend.Recover(ctx, cfg.Recovery); err != nil {
			return report, err
		}
		final, err := backend.Scan(ctx)
		if err != nil {
			return final, err
		}
		if len(final.Anomalies) > 0 {
			return final, &StartupError{Backend: final.Backend, Anomalies: final.Anomalies}
		}
		return final, nil

	default:
		return report, &StartupError{Backend: report.Backend, Anomalies: report.Anomalies}
	}
}
