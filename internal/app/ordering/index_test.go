package ordering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func items(ids ...string) []Item {
	out := make([]Item, len(ids))
	for i, id := range ids {
		out[i] = Item{ID: id, Order: i}
	}
	return out
}

func orderOf(t *testing.T, list []Item, id string) int {
	t.Helper()
	for _, it := range list {
		if it.ID == id {
			return it.Order
		}
	}
	t.Fatalf("item %s not found", id)
	return -1
}

func TestPlanMove_SameParentUp(t *testing.T) {
	list := items("t0", "t1", "t2", "t3")
	plan, err := PlanMove("L", list, "L", list, "t3", 1)
	require.NoError(t, err)
	assert.Equal(t, []Shift{{Parent: "L", Range: Range{From: 1, To: 2}, Delta: 1}}, plan.Shifts)

	after := Apply(plan, map[string][]Item{"L": list})["L"]
	assert.Equal(t, 0, orderOf(t, after, "t0"))
	assert.Equal(t, 2, orderOf(t, after, "t1"))
	assert.Equal(t, 3, orderOf(t, after, "t2"))
	assert.Equal(t, 1, orderOf(t, after, "t3"))
	require.NoError(t, CheckDense(Orders(after)))
}

func TestPlanMove_SameParentDown(t *testing.T) {
	list := items("t0", "t1", "t2", "t3")
	plan, err := PlanMove("L", list, "L", list, "t0", 2)
	require.NoError(t, err)
	assert.Equal(t, []Shift{{Parent: "L", Range: Range{From: 1, To: 2}, Delta: -1}}, plan.Shifts)

	after := Apply(plan, map[string][]Item{"L": list})["L"]
	assert.Equal(t, []string{"t1", "t2", "t0", "t3"}, ids(after))
}

func TestPlanMove_SamePositionIsNoop(t *testing.T) {
	list := items("t0", "t1", "t2")
	plan, err := PlanMove("L", list, "L", list, "t1", 1)
	require.NoError(t, err)
	assert.True(t, plan.Noop())
}

func TestPlanMove_ClampsTarget(t *testing.T) {
	list := items("t0", "t1", "t2")

	plan, err := PlanMove("L", list, "L", list, "t0", 99)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.ToOrder)

	plan, err = PlanMove("L", list, "L", list, "t2", -5)
	require.NoError(t, err)
	assert.Equal(t, 0, plan.ToOrder)

	dst := items("b0")
	plan, err = PlanMove("A", list, "B", dst, "t1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.ToOrder)
}

func TestPlanMove_CrossParent(t *testing.T) {
	a := items("a0", "a1", "a2", "a3")
	b := items("b0", "b1")

	plan, err := PlanMove("A", a, "B", b, "a1", 0)
	require.NoError(t, err)
	assert.True(t, plan.CrossParent())

	after := Apply(plan, map[string][]Item{"A": a, "B": b})
	assert.Equal(t, []string{"a0", "a2", "a3"}, ids(after["A"]))
	assert.Equal(t, []int{0, 1, 2}, Orders(after["A"]))
	assert.Equal(t, []string{"a1", "b0", "b1"}, ids(after["B"]))
	assert.Equal(t, []int{0, 1, 2}, Orders(after["B"]))

	assert.ElementsMatch(t, []Item{{ID: "a2", Order: 1}, {ID: "a3", Order: 2}}, Affected(a, after["A"]))
	assert.ElementsMatch(t, []Item{{ID: "b0", Order: 1}, {ID: "b1", Order: 2}}, Affected(b, after["B"]))
}

func TestPlanMove_IntoEmptyParent(t *testing.T) {
	a := items("a0")
	plan, err := PlanMove("A", a, "B", nil, "a0", 3)
	require.NoError(t, err)
	assert.Empty(t, plan.Shifts)
	assert.Equal(t, 0, plan.ToOrder)
}

func TestPlanMove_RoundTrip(t *testing.T) {
	start := map[string][]Item{"A": items("a0", "a1", "a2", "a3", "a4"), "B": items("b0", "b1", "b2")}

	cases := []struct {
		name     string
		from, to string
		id       string
		target   int
	}{
		{"same parent up", "A", "A", "a4", 1},
		{"same parent down", "A", "A", "a0", 3},
		{"cross parent", "A", "B", "a2", 1},
		{"cross parent to end", "B", "A", "b0", 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orig := Apply(Plan{}, start)
			origOrder := orderOf(t, orig[tc.from], tc.id)

			fwd, err := PlanMove(tc.from, orig[tc.from], tc.to, orig[tc.to], tc.id, tc.target)
			require.NoError(t, err)
			moved := Apply(fwd, orig)

			back, err := PlanMove(tc.to, moved[tc.to], tc.from, moved[tc.from], tc.id, origOrder)
			require.NoError(t, err)
			restored := Apply(back, moved)

			assert.Equal(t, orig["A"], restored["A"])
			assert.Equal(t, orig["B"], restored["B"])
		})
	}
}

func TestPlanMove_Errors(t *testing.T) {
	list := items("t0", "t1")

	_, err := PlanMove("L", list, "L", list, "ghost", 0)
	assert.ErrorIs(t, err, ErrItemMissing)

	broken := []Item{{ID: "t0", Order: 0}, {ID: "t1", Order: 7}}
	_, err = PlanMove("L", broken, "L", broken, "t1", 0)
	assert.ErrorIs(t, err, ErrInvalidPosition)

	_, err = PlanMove("A", list, "B", list, "t0", 0)
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestPlanRemove(t *testing.T) {
	list := items("t0", "t1", "t2", "t3")
	plan, err := PlanRemove("L", list, "t1")
	require.NoError(t, err)
	assert.Equal(t, []Shift{{Parent: "L", Range: Range{From: 2, To: 3}, Delta: -1}}, plan.Shifts)

	after := Apply(plan, map[string][]Item{"L": list})["L"]
	assert.Equal(t, []string{"t0", "t2", "t3"}, ids(after))
	require.NoError(t, CheckDense(Orders(after)))

	plan, err = PlanRemove("L", list, "t3")
	require.NoError(t, err)
	assert.Empty(t, plan.Shifts)
}

func TestNextOrder(t *testing.T) {
	assert.Equal(t, 0, NextOrder(nil))
	assert.Equal(t, 3, NextOrder(items("a", "b", "c")))
}

func TestCheckDense(t *testing.T) {
	assert.NoError(t, CheckDense(nil))
	assert.NoError(t, CheckDense([]int{2, 0, 1}))
	assert.Error(t, CheckDense([]int{0, 0, 1}))
	assert.Error(t, CheckDense([]int{0, 2}))
	assert.Error(t, CheckDense([]int{-1, 0}))
}

func ids(list []Item) []string {
	out := make([]string, len(list))
	for i, it := range list {
		out[i] = it.ID
	}
	return out
}
