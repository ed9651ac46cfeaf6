package resolver_test

import (
	"testing"

	"careflow/internal/resolver"
)

type item struct {
	key  string
	deps []string
	rank int
}

func (i item) Key() string             { return i.key }
func (i item) Prerequisites() []string { return i.deps }
func (i item) Rank() int               { return i.rank }

func keys(items []item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.key
	}
	return out
}

func indexOf(items []item, key string) int {
	for i, it := range items {
		if it.key == key {
			return i
		}
	}
	return -1
}

func TestOrderRespectsPrerequisites(t *testing.T) {
	items := []item{
		{key: "ethics_application", deps: []string{"protocol", "consent_form"}, rank: 5},
		{key: "consent_form", deps: []string{"protocol"}, rank: 2},
		{key: "protocol", rank: 1},
		{key: "data_management_plan", rank: 4},
	}
	ordered, acyclic := resolver.Order[string](items)
	if !acyclic {
		t.Fatalf("expected acyclic order")
	}
	if len(ordered) != len(items) {
		t.Fatalf("order must be a permutation, got %v", keys(ordered))
	}
	if indexOf(ordered, "protocol") > indexOf(ordered, "consent_form") {
		t.Fatalf("protocol must precede consent_form: %v", keys(ordered))
	}
	if indexOf(ordered, "consent_form") > indexOf(ordered, "ethics_application") {
		t.Fatalf("consent_form must precede ethics_application: %v", keys(ordered))
	}
}

func TestOrderRankTieBreak(t *testing.T) {
	items := []item{
		{key: "c", rank: 3},
		{key: "a", rank: 1},
		{key: "b", rank: 2},
	}
	ordered, acyclic := resolver.Order[string](items)
	if !acyclic {
		t.Fatalf("expected acyclic order")
	}
	got := keys(ordered)
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rank order mismatch: got %v want %v", got, want)
		}
	}
}

func TestOrderCycleDegrades(t *testing.T) {
	items := []item{
		{key: "a", deps: []string{"b"}, rank: 1},
		{key: "b", deps: []string{"a"}, rank: 2},
	}
	ordered, acyclic := resolver.Order[string](items)
	if acyclic {
		t.Fatalf("cycle must be reported")
	}
	if len(ordered) != 2 {
		t.Fatalf("degraded order must still be a permutation, got %v", keys(ordered))
	}
	// force-drain keeps input order
	if ordered[0].key != "a" || ordered[1].key != "b" {
		t.Fatalf("degraded order must be deterministic, got %v", keys(ordered))
	}
}

func TestOrderDanglingPrerequisite(t *testing.T) {
	items := []item{
		{key: "a", rank: 1},
		{key: "b", deps: []string{"missing"}, rank: 2},
	}
	ordered, acyclic := resolver.Order[string](items)
	if acyclic {
		t.Fatalf("dangling prerequisite must be reported")
	}
	if len(ordered) != 2 {
		t.Fatalf("all items must survive, got %v", keys(ordered))
	}
	if ordered[0].key != "a" {
		t.Fatalf("ready items come first, got %v", keys(ordered))
	}
}

func TestOrderEmpty(t *testing.T) {
	ordered, acyclic := resolver.Order[string]([]item{})
	if !acyclic || len(ordered) != 0 {
		t.Fatalf("empty input is trivially acyclic")
	}
}
