package registry

// Diff returns the metadata fields that differ between old and updated,
// keyed by their wire names. The object list is reported whole.
func Diff(old, updated *Device) map[string]any {
	changes := make(map[string]any)
	if old == nil || updated == nil {
		return changes
	}

	if old.Lifetime != updated.Lifetime {
		changes["lifetime"] = updated.Lifetime
	}
	if old.Version != updated.Version {
		changes["version"] = updated.Version
	}
	if old.IP != updated.IP {
		changes["ip"] = updated.IP
	}
	if !old.ObjectList.Equal(updated.ObjectList) {
		changes["objList"] = updated.ObjectList.Wire()
	}
	return changes
}
