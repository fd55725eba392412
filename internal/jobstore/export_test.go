package jobstore

// HeldLocks returns the number of per-job locks currently tracked by s.
func HeldLocks(s *FS) int {
	s.locksMx.Lock()
	defer s.locksMx.Unlock()
	return len(s.locks)
}
