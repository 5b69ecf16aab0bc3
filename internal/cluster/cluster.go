// Package cluster groups person records that look like the same individual.
//
// Two persons are linked when they share a normalized full name or a
// normalized contact value. Links are closed transitively with union-find, so
// A~B by name and B~C by phone yields the single candidate set {A, B, C}.
// Build is a pure function of the snapshot: the same snapshot always yields
// the same clusters in the same order.
package cluster

import (
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/Napageneral/rolodex/internal/persons"
)

// Options tunes which contact values count as evidence
type Options struct {
	// Contact values whose normalized rune length is <= MinValueLength are ignored.
	MinValueLength int
	// GenericValues are ignored regardless of length (country names etc).
	GenericValues []string
}

// DefaultOptions mirrors the config defaults
func DefaultOptions() Options {
	return Options{
		MinValueLength: 3,
		GenericValues:  []string{"canada", "china", "united states"},
	}
}

// Candidate is a person as presented to the adjudicator
type Candidate struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	NickName    string   `json:"nick_name"`
	Birthdate   string   `json:"birthdate"`
	Notes       string   `json:"notes"`
	Contacts    []string `json:"contacts"`
}

// Cluster is a candidate duplicate set: two or more person ids, ascending.
type Cluster struct {
	IDs []int64 `json:"ids"`
	// Keys lists the shared evidence, e.g. "name:jane doe" or "contact:555-1111".
	Keys    []string    `json:"keys"`
	Members []Candidate `json:"members"`
}

// Contains reports whether id belongs to the cluster.
func (c Cluster) Contains(id int64) bool {
	i := sort.Search(len(c.IDs), func(i int) bool { return c.IDs[i] >= id })
	return i < len(c.IDs) && c.IDs[i] == id
}

// Normalizer folds names and contact values into comparison keys
type Normalizer struct {
	fold cases.Caser
}

// NewNormalizer returns a Normalizer. Not safe for concurrent use.
func NewNormalizer() *Normalizer {
	return &Normalizer{fold: cases.Fold()}
}

// Normalize applies NFKC, Unicode case folding, and whitespace collapsing.
func (n *Normalizer) Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = n.fold.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Build computes the disjoint candidate clusters for a snapshot.
func Build(snap *persons.Snapshot, opts Options) []Cluster {
	n := NewNormalizer()

	generic := make(map[string]struct{}, len(opts.GenericValues))
	for _, v := range opts.GenericValues {
		generic[n.Normalize(v)] = struct{}{}
	}

	// key -> distinct ids, in first-seen order
	index := make(map[string][]int64)
	seen := make(map[string]map[int64]struct{})
	add := func(key string, id int64) {
		ids, ok := seen[key]
		if !ok {
			ids = make(map[int64]struct{})
			seen[key] = ids
		}
		if _, dup := ids[id]; dup {
			return
		}
		ids[id] = struct{}{}
		index[key] = append(index[key], id)
	}

	for _, p := range snap.Persons {
		if name := n.Normalize(p.Name); name != "" {
			add("name:"+name, p.ID)
		}
	}
	for _, c := range snap.Contacts {
		value := n.Normalize(c.Value)
		if utf8.RuneCountInString(value) <= opts.MinValueLength {
			continue
		}
		if _, ok := generic[value]; ok {
			continue
		}
		add("contact:"+value, c.PersonID)
	}

	ds := newDisjointSet()
	for _, ids := range index {
		if len(ids) < 2 {
			continue
		}
		for _, id := range ids[1:] {
			ds.union(ids[0], id)
		}
	}

	evidence := make(map[int64][]string)
	for key, ids := range index {
		if len(ids) < 2 {
			continue
		}
		root := ds.find(ids[0])
		evidence[root] = append(evidence[root], key)
	}

	byID := make(map[int64]persons.Person, len(snap.Persons))
	for _, p := range snap.Persons {
		byID[p.ID] = p
	}
	contacts := snap.ContactsByPerson()

	var clusters []Cluster
	for root, ids := range ds.components() {
		if len(ids) < 2 {
			continue
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		keys := evidence[root]
		sort.Strings(keys)

		members := make([]Candidate, 0, len(ids))
		for _, id := range ids {
			members = append(members, candidateFor(byID[id], contacts[id]))
		}
		clusters = append(clusters, Cluster{IDs: ids, Keys: keys, Members: members})
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].IDs[0] < clusters[j].IDs[0] })
	return clusters
}

func candidateFor(p persons.Person, contacts []persons.Contact) Candidate {
	c := Candidate{
		ID:          p.ID,
		Name:        p.Name,
		DisplayName: p.DisplayName,
		NickName:    p.NickName,
		Birthdate:   p.Birthdate,
		Notes:       p.Notes,
		Contacts:    make([]string, 0, len(contacts)),
	}
	for _, contact := range contacts {
		c.Contacts = append(c.Contacts, contact.String())
	}
	return c
}

// IDSets returns just the id sets, useful for comparing partitions.
func IDSets(clusters []Cluster) [][]int64 {
	out := make([][]int64, len(clusters))
	for i, c := range clusters {
		out[i] = append([]int64(nil), c.IDs...)
	}
	return out
}
