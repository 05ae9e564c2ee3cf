package scheduler

// LoadSampler reports normalized system load in [0,1].
type LoadSampler interface {
	Sample() (float64, error)
}

// SystemLoadSampler reads host load through the platform sampler. On
// platforms without a load average it always reports idle.
type SystemLoadSampler struct{}

// NewSystemLoadSampler creates the host-backed sampler.
func NewSystemLoadSampler() *SystemLoadSampler {
	return &SystemLoadSampler{}
}

// Sample returns the current normalized load.
func (s *SystemLoadSampler) Sample() (float64, error) {
	return sampleSystemLoad()
}

// isAdmissible reports whether a job may start under the ceiling.
func isAdmissible(load, ceiling float64) bool {
	return load <= ceiling
}
