package mux

// FilterFunc decides whether a value belongs to a filtered view.
type FilterFunc[T any] func(T) bool

// Any accepts everything.
func Any[T any]() FilterFunc[T] {
	return func(T) bool {
		return true
	}
}

func Not[T any](filter FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		return !filter(v)
	}
}

func Or[T any](filters ...FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		for _, filter := range filters {
			if filter(v) {
				return true
			}
		}
		return false
	}
}

func And[T any](filters ...FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		for _, filter := range filters {
			if !filter(v) {
				return false
			}
		}
		return true
	}
}
