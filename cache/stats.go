package cache

// Stats holds registry-wide counters.
//
//	hit_ratio = Hits / (Hits + Misses)
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Puts      uint64 `json:"puts"`
	Evictions uint64 `json:"evictions"`
}
