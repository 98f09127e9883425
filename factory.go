package alice

// A Factory creates new containers and recovers persisted ones.
type Factory interface {
	// Create allocates the container's cgroup, applies its limits, and
	// builds the rootfs skeleton. No child is spawned. On error, any
	// partially created resources are cleaned up.
	Create(id string, config *Config) (Container, error)

	// Load rebuilds a Container from the persistence hook's snapshot.
	Load(id string) (Container, error)
}
