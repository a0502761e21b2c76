package mod

// Stage is the lifecycle stage of one mod.
type Stage string

const (
	StageUnloaded  Stage = "Unloaded"  // Never loaded, rolled back, or unloaded
	StageLoading   Stage = "Loading"   // RegisterMod is running
	StageLoaded    Stage = "Loaded"    // Registered successfully
	StageUnloading Stage = "Unloading" // Teardown and rollback are running
)
