package ptr

func Of[T any](v T) *T {
	return &v
}

func ValueOr[T any](v *T, fallback T) T {
	if nil == v {
		return fallback
	}
	return *v
}
