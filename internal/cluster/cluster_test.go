package cluster

import (
	"reflect"
	"testing"

	"github.com/Napageneral/rolodex/internal/persons"
)

func person(id int64, name string) persons.Person {
	return persons.Person{ID: id, Name: name}
}

func contact(id int64, typ, value string) persons.Contact {
	return persons.Contact{PersonID: id, Type: typ, Value: value}
}

func TestBuildExampleScenario(t *testing.T) {
	snap := &persons.Snapshot{
		Persons: []persons.Person{
			person(1, "Jane Doe"),
			person(2, "jane doe"),
			person(3, "Bob Stone"),
		},
		Contacts: []persons.Contact{
			contact(1, "phone", "555-1111"),
			contact(2, "phone", "555-1111"),
			contact(3, "email", "bob@example.com"),
		},
	}

	clusters := Build(snap, DefaultOptions())
	if got, want := IDSets(clusters), [][]int64{{1, 2}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("clusters = %v, want %v", got, want)
	}
	c := clusters[0]
	if want := []string{"contact:555-1111", "name:jane doe"}; !reflect.DeepEqual(c.Keys, want) {
		t.Errorf("keys = %v, want %v", c.Keys, want)
	}
	if len(c.Members) != 2 || c.Members[0].ID != 1 || c.Members[0].Contacts[0] != "phone:555-1111" {
		t.Errorf("members = %+v", c.Members)
	}
	if c.Contains(3) || !c.Contains(2) {
		t.Error("Contains mismatch")
	}
}

func TestBuildTransitiveClosure(t *testing.T) {
	// A shares a name with B, B shares a contact with C, C shares an email with D.
	snap := &persons.Snapshot{
		Persons: []persons.Person{
			person(10, "Li Wei"),
			person(11, "LI WEI"),
			person(12, "Wei L."),
			person(13, ""),
			person(14, "Loner"),
		},
		Contacts: []persons.Contact{
			contact(11, "wechat", "liwei_88"),
			contact(12, "wechat", "liwei_88"),
			contact(12, "email", "wl@example.com"),
			contact(13, "email", "WL@example.com "),
			contact(14, "email", "loner@example.com"),
		},
	}

	clusters := Build(snap, DefaultOptions())
	if got, want := IDSets(clusters), [][]int64{{10, 11, 12, 13}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("clusters = %v, want %v", got, want)
	}
}

func TestBuildIgnoresLowInformationValues(t *testing.T) {
	snap := &persons.Snapshot{
		Persons: []persons.Person{
			person(1, "Alice"),
			person(2, "Bob"),
			person(3, "Carol"),
			person(4, ""),
			person(5, ""),
		},
		Contacts: []persons.Contact{
			contact(1, "address", "Canada"),
			contact(2, "address", "canada"),
			contact(2, "qq", "123"),
			contact(3, "qq", "123"),
			contact(1, "country", "China"),
			contact(3, "country", "CHINA"),
		},
	}

	if clusters := Build(snap, DefaultOptions()); len(clusters) != 0 {
		t.Fatalf("expected no clusters, got %v", IDSets(clusters))
	}

	// lowering the threshold turns "123" into evidence
	opts := DefaultOptions()
	opts.MinValueLength = 2
	if got, want := IDSets(Build(snap, opts)), [][]int64{{2, 3}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("clusters = %v, want %v", got, want)
	}
}

func TestBuildNormalizesWidthAndSpacing(t *testing.T) {
	snap := &persons.Snapshot{
		Persons: []persons.Person{
			person(1, "  Zhang   San "),
			person(2, "ZHANG SAN"),
			person(3, "Ｚｈａｎｇ Ｓａｎ"),
		},
	}
	if got, want := IDSets(Build(snap, DefaultOptions())), [][]int64{{1, 2, 3}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("clusters = %v, want %v", got, want)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	snap := &persons.Snapshot{
		Persons: []persons.Person{
			person(5, "Sam"), person(3, "sam"), person(9, "Kim"),
			person(1, "kim"), person(7, "Lee"), person(2, "Other"),
		},
		Contacts: []persons.Contact{
			contact(7, "phone", "555-9999"),
			contact(2, "phone", "555-9999"),
			contact(9, "email", "sam@example.com"),
			contact(5, "email", "sam@example.com"),
		},
	}
	first := Build(snap, DefaultOptions())

	reversed := &persons.Snapshot{}
	for i := len(snap.Persons) - 1; i >= 0; i-- {
		reversed.Persons = append(reversed.Persons, snap.Persons[i])
	}
	for i := len(snap.Contacts) - 1; i >= 0; i-- {
		reversed.Contacts = append(reversed.Contacts, snap.Contacts[i])
	}

	for i := 0; i < 3; i++ {
		if again := Build(snap, DefaultOptions()); !reflect.DeepEqual(IDSets(first), IDSets(again)) {
			t.Fatalf("run %d differs: %v vs %v", i, IDSets(first), IDSets(again))
		}
	}
	if got := Build(reversed, DefaultOptions()); !reflect.DeepEqual(IDSets(first), IDSets(got)) {
		t.Fatalf("input order changed partition: %v vs %v", IDSets(first), IDSets(got))
	}
	if want := [][]int64{{1, 3, 5, 9}, {2, 7}}; !reflect.DeepEqual(IDSets(first), want) {
		t.Fatalf("clusters = %v, want %v", IDSets(first), want)
	}
}

func TestDisjointSetSmallestRoot(t *testing.T) {
	ds := newDisjointSet()
	ds.union(8, 4)
	ds.union(6, 8)
	ds.union(2, 6)
	for _, id := range []int64{2, 4, 6, 8} {
		if root := ds.find(id); root != 2 {
			t.Errorf("find(%d) = %d, want 2", id, root)
		}
	}
	if comps := ds.components(); len(comps) != 1 || len(comps[2]) != 4 {
		t.Errorf("components = %v", comps)
	}
}
