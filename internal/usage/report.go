package usage

import (
	"fmt"
	"sort"
)

// SortOrder selects how repositories and tags are ordered for
// presentation. Sorting is a read-only transform; the tree itself never
// changes.
type SortOrder string

const (
	SortByName     SortOrder = "name"
	SortBySize     SortOrder = "size"
	SortByDiskSize SortOrder = "disksize"
)

// ParseSortOrder validates a user-supplied sort order string.
func ParseSortOrder(s string) (SortOrder, error) {
	switch SortOrder(s) {
	case SortByName, SortBySize, SortByDiskSize:
		return SortOrder(s), nil
	case "":
		return SortByName, nil
	default:
		return "", fmt.Errorf("unknown sort order %q (want name, size or disksize)", s)
	}
}

// SortedRepositories returns repository names ordered by the given key.
// Size orders ascending so the heaviest repositories print last, next to
// the totals; repositories without information sort first.
func (t *Tree) SortedRepositories(order SortOrder) []string {
	names := t.RepositoryNames()
	switch order {
	case SortBySize:
		sort.SliceStable(names, func(i, j int) bool {
			return t.repoSortValue(names[i], order) < t.repoSortValue(names[j], order)
		})
	case SortByDiskSize:
		sort.SliceStable(names, func(i, j int) bool {
			return t.repoSortValue(names[i], order) < t.repoSortValue(names[j], order)
		})
	}
	return names
}

// SortedTags returns the available tags of a repository ordered by the
// given key (ascending for sizes, lexicographic for names).
func (r *Repository) SortedTags(order SortOrder) []string {
	tags := make([]string, 0, len(r.Tags))
	for tag := range r.Tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	switch order {
	case SortBySize:
		sort.SliceStable(tags, func(i, j int) bool {
			return r.Tags[tags[i]].Size < r.Tags[tags[j]].Size
		})
	case SortByDiskSize:
		sort.SliceStable(tags, func(i, j int) bool {
			return r.Tags[tags[i]].DiskSize < r.Tags[tags[j]].DiskSize
		})
	}
	return tags
}

func (t *Tree) repoSortValue(name string, order SortOrder) int64 {
	repo := t.Repositories[name]
	if repo == nil || repo.NoInfo {
		return -1
	}
	if order == SortByDiskSize {
		return repo.DiskSize
	}
	return repo.Size
}
