package model

// VectorClock maps device identifiers to the highest version string each
// device is known to have observed. Version strings begin with a UTC
// timestamp, so plain string comparison orders tokens from one device.
type VectorClock struct {
	Clocks map[string]string `json:"clocks"`
}

// NewVectorClock returns an empty clock
func NewVectorClock() VectorClock {
	return VectorClock{Clocks: map[string]string{}}
}

// Update advances the token for device if version is newer than what the
// clock already holds
func (vc *VectorClock) Update(deviceID, version string) {
	if vc.Clocks == nil {
		vc.Clocks = map[string]string{}
	}
	if cur, ok := vc.Clocks[deviceID]; !ok || version > cur {
		vc.Clocks[deviceID] = version
	}
}

// Merge folds every token of other into the clock, keeping the newer of
// each pair
func (vc *VectorClock) Merge(other VectorClock) {
	for dev, v := range other.Clocks {
		vc.Update(dev, v)
	}
}

// Get returns the token for device, or "" if the device is unknown
func (vc VectorClock) Get(deviceID string) string {
	return vc.Clocks[deviceID]
}

// Clone returns an independent copy of the clock
func (vc VectorClock) Clone() VectorClock {
	out := NewVectorClock()
	for dev, v := range vc.Clocks {
		out.Clocks[dev] = v
	}
	return out
}
