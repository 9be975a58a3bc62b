package store

import "testing"

func TestParseRecordRef(t *testing.T) {
	ref, err := ParseRecordRef("calendar.event,abc-1")
	if err != nil {
		t.Fatalf("ParseRecordRef returned error: %v", err)
	}
	if ref.Kind != "calendar.event" || ref.ID != "abc-1" {
		t.Fatalf("unexpected ref %+v", ref)
	}
	if ref.String() != "calendar.event,abc-1" {
		t.Errorf("unexpected string form %q", ref.String())
	}
	for _, bad := range []string{"", "kind", ",id", "kind,"} {
		if _, err := ParseRecordRef(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestLinkScopeMatches(t *testing.T) {
	parent := RecordRef{Kind: "calendar.event", ID: "42"}
	testCases := []struct {
		name      string
		synthetic bool
		ref       RecordRef
		want      bool
	}{
		{name: "same record", ref: parent, want: true},
		{name: "child excluded", ref: RecordRef{Kind: "calendar.event", ID: "42-20240301"}, want: false},
		{name: "child included", synthetic: true, ref: RecordRef{Kind: "calendar.event", ID: "42-20240301"}, want: true},
		{name: "prefix without separator", synthetic: true, ref: RecordRef{Kind: "calendar.event", ID: "420"}, want: false},
		{name: "other kind", synthetic: true, ref: RecordRef{Kind: "partner", ID: "42"}, want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			scope := LinkScope{Ref: parent, IncludeSynthetic: tc.synthetic}
			if got := scope.Matches(tc.ref); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestSyncDirection(t *testing.T) {
	testCases := []struct {
		dir          SyncDirection
		pushes, pull bool
	}{
		{DirectionBoth, true, true},
		{DirectionLocalToRemote, true, false},
		{DirectionRemoteToLocal, false, true},
		{DirectionNone, false, false},
	}
	for _, tc := range testCases {
		if tc.dir.PushesLocal() != tc.pushes || tc.dir.PullsRemote() != tc.pull {
			t.Errorf("%s: unexpected flow flags", tc.dir)
		}
		if !tc.dir.Valid() {
			t.Errorf("%s: expected valid", tc.dir)
		}
	}
	if SyncDirection("sideways").Valid() {
		t.Error("expected unknown direction to be invalid")
	}
}

func TestFieldsStrings(t *testing.T) {
	f := Fields{
		"decoded": []any{"a", 1, "b"},
		"native":  []string{"x"},
		"scalar":  "nope",
	}
	if got := f.Strings("decoded"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected decoded list %v", got)
	}
	if got := f.Strings("native"); len(got) != 1 || got[0] != "x" {
		t.Errorf("unexpected native list %v", got)
	}
	if got := f.Strings("scalar"); got != nil {
		t.Errorf("expected nil for scalar, got %v", got)
	}
	if !f.Has("scalar") || f.Has("missing") {
		t.Error("unexpected Has result")
	}
}
