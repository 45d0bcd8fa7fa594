package domain

// VolumeToEnergy converts a native volume delta to the region's energy unit.
func VolumeToEnergy(volume float64, r Region) float64 {
	return volume * r.EnergyFactor
}

// EnergyToDisplay converts an energy value to the region's display unit.
// Returns v unchanged if the region has no display factor.
func EnergyToDisplay(v float64, r Region) float64 {
	if r.DisplayFactor == 0 {
		return v
	}
	return v * r.DisplayFactor
}
