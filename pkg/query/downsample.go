package query

// Downsample keeps at most maxPoints entries of data by fixed-stride picking
// and always keeps the final entry. No values are averaged.
func Downsample[T any](data []T, maxPoints int) []T {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	if len(data) <= maxPoints {
		return data
	}

	step := float64(len(data)) / float64(maxPoints)
	out := make([]T, 0, maxPoints+1)
	last := -1
	for i := 0; i < maxPoints; i++ {
		idx := int(float64(i) * step)
		out = append(out, data[idx])
		last = idx
	}
	if last != len(data)-1 {
		out = append(out, data[len(data)-1])
	}
	return out
}
