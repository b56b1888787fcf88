package pulse

// keyed is implemented by every entity held in a snapshot collection.
type keyed interface {
	key() string
}

func indexOf[T keyed](items []T, id string) int {
	for i, it := range items {
		if it.key() == id {
			return i
		}
	}
	return -1
}

// upsert replaces the item with the same key in place, or appends it. The
// input slice is never modified. It reports whether the item was new.
func upsert[T keyed](items []T, item T) ([]T, bool) {
	out := make([]T, len(items), len(items)+1)
	copy(out, items)
	if i := indexOf(out, item.key()); i >= 0 {
		out[i] = item
		return out, false
	}
	return append(out, item), true
}

// upsertFront is upsert that puts new items first.
func upsertFront[T keyed](items []T, item T) ([]T, bool) {
	if i := indexOf(items, item.key()); i >= 0 {
		out := make([]T, len(items))
		copy(out, items)
		out[i] = item
		return out, false
	}
	out := make([]T, 0, len(items)+1)
	out = append(out, item)
	return append(out, items...), true
}

// removeByID filters out the item with id. It reports whether one was removed.
func removeByID[T keyed](items []T, id string) ([]T, bool) {
	i := indexOf(items, id)
	if i < 0 {
		return items, false
	}
	out := make([]T, 0, len(items)-1)
	out = append(out, items[:i]...)
	return append(out, items[i+1:]...), true
}

// mergePage folds a fetched page into items. Known keys are replaced in
// place; unknown ones are added after (or before, with prepend) the
// existing items in page order.
func mergePage[T keyed](items, page []T, prepend bool) []T {
	out := make([]T, len(items))
	copy(out, items)
	var fresh []T
	seen := make(map[string]bool, len(page))
	for _, it := range page {
		if seen[it.key()] {
			continue
		}
		seen[it.key()] = true
		if i := indexOf(out, it.key()); i >= 0 {
			out[i] = it
			continue
		}
		fresh = append(fresh, it)
	}
	if prepend {
		return append(fresh, out...)
	}
	return append(out, fresh...)
}

// update applies fn to the item with id and reports whether it was found.
func update[T keyed](items []T, id string, fn func(*T)) ([]T, bool) {
	i := indexOf(items, id)
	if i < 0 {
		return items, false
	}
	out := make([]T, len(items))
	copy(out, items)
	fn(&out[i])
	return out, true
}

func reversed[T any](items []T) []T {
	out := make([]T, len(items))
	for i, it := range items {
		out[len(items)-1-i] = it
	}
	return out
}
