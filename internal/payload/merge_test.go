package payload

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeObjectsRecursively(t *testing.T) {
	a := map[string]any{
		"Subject": "Old",
		"Body":    map[string]any{"ContentType": "Text", "Content": "one"},
	}
	b := map[string]any{
		"Subject":  "New",
		"Body":     map[string]any{"Content": "two"},
		"IsAllDay": true,
	}

	got := Merge(a, b)

	require.Equal(t, map[string]any{
		"Subject":  "New",
		"Body":     map[string]any{"ContentType": "Text", "Content": "two"},
		"IsAllDay": true,
	}, got)
	require.Equal(t, "Old", a["Subject"], "left side must not be modified")
}

func TestMergeScalarsRightBiased(t *testing.T) {
	require.Equal(t, "b", Merge("a", "b"))
	require.Equal(t, false, Merge(true, false))
	require.Equal(t, "", Merge("a", ""))
	require.Equal(t, "a", Merge("a", nil))
}

func TestMergeListsTakeNonEmptySide(t *testing.T) {
	attendees := []any{map[string]any{"EmailAddress": map[string]any{"Address": "a@example.com"}}}

	require.Equal(t, attendees, Merge([]any{}, attendees))
	require.Equal(t, attendees, Merge(attendees, []any{}))
	require.Equal(t, attendees, Merge(nil, attendees))
}

func TestMergeListsPairwise(t *testing.T) {
	a := []any{
		map[string]any{"Type": "Required", "Name": "Ana"},
		map[string]any{"Type": "Optional"},
	}
	b := []any{map[string]any{"Name": "Ana Maria"}}

	got := Merge(a, b)

	require.Equal(t, []any{
		map[string]any{"Type": "Required", "Name": "Ana Maria"},
		map[string]any{"Type": "Optional"},
	}, got)
}

func TestMergeCategoriesUnion(t *testing.T) {
	a := map[string]any{"Categories": []string{"Work", "CalSync"}}
	b := map[string]any{"Categories": []any{"CalSync", "Travel"}}

	got := Merge(a, b).(map[string]any)

	require.Equal(t, []any{"Work", "CalSync", "Travel"}, got["Categories"])
}

func TestMergeCategoriesAssociative(t *testing.T) {
	a := map[string]any{"Categories": []any{"x", "y"}}
	b := map[string]any{"Categories": []any{"y", "z"}}
	c := map[string]any{"Categories": []any{"w", "x"}}

	left := Merge(Merge(a, b), c).(map[string]any)["Categories"].([]any)
	right := Merge(a, Merge(b, c)).(map[string]any)["Categories"].([]any)

	require.ElementsMatch(t, left, right)
	require.Equal(t, []string{"w", "x", "y", "z"}, sortedStrings(left))
}

func TestMergeJSON(t *testing.T) {
	queued := json.RawMessage(`{"Subject":"Draft","Categories":["CalSync"]}`)
	patch := json.RawMessage(`{"Subject":"Final","Location":{"DisplayName":"Room 1"},"Categories":["Team"]}`)

	merged, err := MergeJSON(queued, patch)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(merged, &got))
	require.Equal(t, "Final", got["Subject"])
	require.Equal(t, map[string]any{"DisplayName": "Room 1"}, got["Location"])
	require.Equal(t, []any{"CalSync", "Team"}, got["Categories"])
}

func TestMergeJSONRejectsInvalidInput(t *testing.T) {
	_, err := MergeJSON(json.RawMessage(`[1,2`), json.RawMessage(`{}`))
	require.Error(t, err)
}

func sortedStrings(values []any) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out
}
