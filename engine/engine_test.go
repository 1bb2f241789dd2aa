package engine

import "testing"

func TestPartyShareCountsPartyOf(t *testing.T) {
	counts := PartyShareCounts{Counts: []int{1, 2, 1, 3, 2}}
	cases := []struct {
		flat, wantParty, wantSub int
	}{
		{0, 0, 0},
		{1, 1, 0},
		{2, 1, 1},
		{3, 2, 0},
		{4, 3, 0},
		{6, 3, 2},
		{7, 4, 0},
		{8, 4, 1},
	}
	for _, c := range cases {
		party, sub := counts.PartyOf(c.flat)
		if party != c.wantParty || sub != c.wantSub {
			t.Errorf("PartyOf(%d) = (%d,%d), want (%d,%d)", c.flat, party, sub, c.wantParty, c.wantSub)
		}
	}
	if got := counts.Total(); got != 9 {
		t.Errorf("Total() = %d, want 9", got)
	}
}

func TestStateDoneNotDone(t *testing.T) {
	s := NotDone(nil)
	if s.IsDone() {
		t.Fatal("NotDone state reported done")
	}
	d := Done(Output{Signature: []byte("sig")})
	if !d.IsDone() {
		t.Fatal("Done state reported not done")
	}
}

func TestOutputHasFaults(t *testing.T) {
	ok := Output{Signature: []byte("x")}
	if ok.HasFaults() {
		t.Fatal("successful output reported faults")
	}
	bad := Output{Faults: []Fault{{PartyIndex: 1, Crime: CrimeMalicious}}}
	if !bad.HasFaults() {
		t.Fatal("fault output did not report faults")
	}
}
