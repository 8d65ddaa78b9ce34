package papyra

// AuditReport is a point-in-time snapshot of an ActorSystem's health,
// intended for periodic logging or persistence rather than hot-path use.
type AuditReport struct {
	Timestamp       float64
	TotalActors     int
	AliveActors     int
	StoppingActors  int
	RestartingCount int
	RegisteredNames int
	OrphanNames     []string // names present in the registry whose runtime is gone
	DeadActorNames  []string // names present in the registry whose runtime is no longer alive
	DeadLetterCount int
	DroppedDeadLetters uint64
}

// Audit builds an AuditReport from the system's current state. Safe to call
// concurrently with normal system operation; the report is a best-effort
// snapshot, not a consistent point-in-time transaction.
func (s *ActorSystem) Audit() AuditReport {
	report := AuditReport{Timestamp: s.clock.Now()}

	s.mu.Lock()
	report.TotalActors = len(s.runtimes)
	for _, rt := range s.runtimes {
		switch {
		case rt.isAlive():
			report.AliveActors++
		default:
			report.StoppingActors++
		}
		if rt.isRestarting() {
			report.RestartingCount++
		}
	}
	report.RegisteredNames = len(s.names)
	for name, addr := range s.names {
		rt, exists := s.runtimes[addr]
		if !exists {
			report.OrphanNames = append(report.OrphanNames, name)
			continue
		}
		if !rt.isAlive() {
			report.DeadActorNames = append(report.DeadActorNames, name)
		}
	}
	s.mu.Unlock()

	report.DeadLetterCount = s.deadLetters.len()
	report.DroppedDeadLetters = s.deadLetters.droppedCount()
	return report
}
