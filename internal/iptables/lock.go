package iptables

// FlockLock is a file-based ContextLock. Locks live as files under Dir
// and are held with flock, so cooperating processes on the same host
// serialize regardless of which binary they run.
type FlockLock struct {
	Dir string
}

// NewFlockLock returns a FlockLock storing lock files under dir.
func NewFlockLock(dir string) *FlockLock {
	return &FlockLock{Dir: dir}
}
