package model

import (
	"sort"
)

// AllCategories is the tag recorded for an unfiltered fetch. It is a strict
// superset of every named category, and only another unfiltered fetch covers
// it: a narrow fetch must never satisfy a later "everything" request.
const AllCategories = "*"

// Categories is a set of data-kind tags (POI types or map style keys).
type Categories map[string]struct{}

// NewCategories builds a set from the given tags, ignoring empty strings.
// No tags means no filter, which maps to AllCategories.
func NewCategories(tags ...string) Categories {
	c := make(Categories, len(tags))
	for _, t := range tags {
		if t != "" {
			c[t] = struct{}{}
		}
	}
	if len(c) == 0 {
		c[AllCategories] = struct{}{}
	}
	return c
}

// Contains reports whether every tag in other is present in c. A set holding
// AllCategories contains everything.
func (c Categories) Contains(other Categories) bool {
	if _, ok := c[AllCategories]; ok {
		return true
	}
	for t := range other {
		if _, ok := c[t]; !ok {
			return false
		}
	}
	return true
}

// Union returns a new set holding every tag from c and other.
func (c Categories) Union(other Categories) Categories {
	out := make(Categories, len(c)+len(other))
	for t := range c {
		out[t] = struct{}{}
	}
	for t := range other {
		out[t] = struct{}{}
	}
	return out
}

// Sorted returns the tags in lexical order, for stable serialization.
func (c Categories) Sorted() []string {
	out := make([]string, 0, len(c))
	for t := range c {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
