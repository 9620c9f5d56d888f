package main

import (
	"fmt"
	"io"

	"github.com/regdu/regdu/internal/usage"
)

// renderTree prints the report the same way the terminal tools in this
// space do: repositories with their tags indented below, sizes right
// aligned, registry totals last.
func renderTree(w io.Writer, tree *usage.Tree, order usage.SortOrder) {
	width := labelColumnWidth(tree)

	for _, name := range tree.SortedRepositories(order) {
		repo := tree.Repositories[name]
		if repo.NoInfo {
			fmt.Fprintf(w, "%*s:     no further information available\n\n", width, name)
			continue
		}
		fmt.Fprintf(w, "%*s:     repository size: %9s, repository disk size: %9s\n",
			width, name, formatBytes(repo.Size), formatBytes(repo.DiskSize))
		for _, tag := range repo.SortedTags(order) {
			m := repo.Tags[tag]
			fmt.Fprintf(w, "%*s:   tag size: %9s,   tag disk size: %9s\n",
				width+4, tag, formatBytes(m.Size), formatBytes(m.DiskSize))
		}
		for _, tag := range repo.Unavailable {
			fmt.Fprintf(w, "%*s:   manifest unavailable\n", width+4, tag)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "%*s total size: %9s, total disk size: %9s\n",
		width+5, "", formatBytes(tree.TotalSize), formatBytes(tree.TotalDiskSize))
}

// labelColumnWidth sizes the label column so repository names and
// indented tag names line up.
func labelColumnWidth(tree *usage.Tree) int {
	width := 0
	for name, repo := range tree.Repositories {
		if len(name) > width {
			width = len(name)
		}
		for tag := range repo.Tags {
			if len(tag)-4 > width {
				width = len(tag) - 4
			}
		}
		for _, tag := range repo.Unavailable {
			if len(tag)-4 > width {
				width = len(tag) - 4
			}
		}
	}
	return width
}
