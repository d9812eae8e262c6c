package protocol

import "testing"

func TestCenterHit(t *testing.T) {
	cases := []struct {
		name string
		rect Rect
		want Hit
	}{
		{"even extents", Rect{X: 10, Y: 10, W: 100, H: 30}, Hit{CX: 60, CY: 25}},
		{"odd width", Rect{X: 0, Y: 0, W: 5, H: 5}, Hit{CX: 3, CY: 3}},
		{"negative origin", Rect{X: -10, Y: -10, W: 20, H: 20}, Hit{CX: 0, CY: 0}},
		{"zero rect", Rect{}, Hit{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := CenterHit(c.rect)
			if got != c.want {
				t.Fatalf("CenterHit(%+v) = %+v, want %+v", c.rect, got, c.want)
			}
		})
	}
}

func TestStateEqual(t *testing.T) {
	a := State{Disabled: true, Checked: true}
	b := State{Disabled: true, Checked: true}
	c := State{Disabled: true, Checked: false}
	if !a.Equal(b) {
		t.Fatalf("expected equal states to compare equal")
	}
	if a.Equal(c) {
		t.Fatalf("expected differing states to compare unequal")
	}
}

func TestActionCandidateClone(t *testing.T) {
	orig := ActionCandidate{ID: "a_0", Name: "Sign in"}
	clone := orig.Clone()
	clone.Name = "changed"
	if orig.Name == clone.Name {
		t.Fatalf("Clone should not alias the original")
	}
}
