package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSelection expands a page selection against n discovered pages and
// returns 0-based indexes in the order the user selected them.
//
// Accepted forms are "all", comma lists ("1,3,5"), ranges ("1-10") and any
// mix of the two ("1-3,7"). Numbers are 1-based. Ranges expand ascending.
// Repeated pages keep their first position.
func ParseSelection(sel string, n int) ([]int, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return nil, fmt.Errorf("empty page selection")
	}
	if n <= 0 {
		return nil, fmt.Errorf("no pages discovered")
	}
	if strings.EqualFold(sel, "all") {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}

	seen := make(map[int]bool)
	var out []int
	add := func(page int) error {
		if page < 1 || page > n {
			return fmt.Errorf("page %d out of range 1-%d", page, n)
		}
		if !seen[page] {
			seen[page] = true
			out = append(out, page-1)
		}
		return nil
	}

	for _, part := range strings.Split(sel, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("invalid range %q", part)
			}
			end, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("invalid range %q", part)
			}
			if start > end {
				start, end = end, start
			}
			for p := start; p <= end; p++ {
				if err := add(p); err != nil {
					return nil, err
				}
			}
			continue
		}
		p, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid page number %q", part)
		}
		if err := add(p); err != nil {
			return nil, err
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty page selection")
	}
	return out, nil
}

// RepoSlug normalizes a repository reference to "owner/name". It accepts
// "owner/name", "https://host/owner/name(.git)" and "git@host:owner/name.git".
// References it cannot normalize are returned unchanged.
func RepoSlug(repo string) string {
	r := strings.TrimSpace(repo)
	r = strings.TrimSuffix(r, "/")
	r = strings.TrimSuffix(r, ".git")
	if i := strings.Index(r, "://"); i >= 0 {
		r = r[i+3:]
		if j := strings.Index(r, "/"); j >= 0 {
			r = r[j+1:]
		}
	} else if strings.HasPrefix(r, "git@") {
		if _, after, ok := strings.Cut(r, ":"); ok {
			r = after
		}
	}
	parts := strings.Split(r, "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return repo
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1]
}
