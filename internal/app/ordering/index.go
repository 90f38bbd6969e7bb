package ordering

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrInvalidPosition = errors.New("invalid position")
	ErrItemMissing     = errors.New("item is not a child of the source parent")
)

// Item is one child of a parent collection.
type Item struct {
	ID    string
	Order int
}

// Range is an inclusive span of orders.
type Range struct {
	From int
	To   int
}

func (r Range) Contains(order int) bool {
	return order >= r.From && order <= r.To
}

func (r Range) Empty() bool {
	return r.To < r.From
}

// Shift adds Delta to the order of every child of Parent inside Range.
type Shift struct {
	Parent string
	Range  Range
	Delta  int
}

// Plan describes a complete repositioning: sibling shifts followed by the
// reassignment of the moved item.
type Plan struct {
	ItemID     string
	FromParent string
	FromOrder  int
	ToParent   string
	ToOrder    int
	Shifts     []Shift
}

// Noop reports whether the plan leaves every order unchanged.
func (p Plan) Noop() bool {
	return p.FromParent == p.ToParent && p.FromOrder == p.ToOrder && len(p.Shifts) == 0
}

// CrossParent reports whether the item changes parent.
func (p Plan) CrossParent() bool {
	return p.FromParent != p.ToParent
}

// PlanMove computes the shifts that move itemID from srcParent to dstParent at
// target. src and dst are the current children of each parent; for a
// same-parent move pass the same slice twice. The target is clamped to
// [0, destinationCount].
func PlanMove(srcParent string, src []Item, dstParent string, dst []Item, itemID string, target int) (Plan, error) {
	from, ok := find(src, itemID)
	if !ok {
		return Plan{}, ErrItemMissing
	}
	if from.Order < 0 || from.Order >= len(src) {
		return Plan{}, fmt.Errorf("%w: %s has order %d among %d siblings", ErrInvalidPosition, itemID, from.Order, len(src))
	}

	plan := Plan{
		ItemID:     itemID,
		FromParent: srcParent,
		FromOrder:  from.Order,
		ToParent:   dstParent,
	}

	if srcParent == dstParent {
		t := clamp(target, len(src)-1)
		plan.ToOrder = t
		switch {
		case t > from.Order:
			plan.Shifts = append(plan.Shifts, Shift{Parent: srcParent, Range: Range{From: from.Order + 1, To: t}, Delta: -1})
		case t < from.Order:
			plan.Shifts = append(plan.Shifts, Shift{Parent: srcParent, Range: Range{From: t, To: from.Order - 1}, Delta: 1})
		}
		return plan, nil
	}

	if _, dup := find(dst, itemID); dup {
		return Plan{}, fmt.Errorf("%w: %s already belongs to %s", ErrInvalidPosition, itemID, dstParent)
	}
	t := clamp(target, len(dst))
	plan.ToOrder = t
	if tail := (Range{From: from.Order + 1, To: len(src) - 1}); !tail.Empty() {
		plan.Shifts = append(plan.Shifts, Shift{Parent: srcParent, Range: tail, Delta: -1})
	}
	if open := (Range{From: t, To: len(dst) - 1}); !open.Empty() {
		plan.Shifts = append(plan.Shifts, Shift{Parent: dstParent, Range: open, Delta: 1})
	}
	return plan, nil
}

// PlanRemove closes the gap left by removing itemID from parent.
func PlanRemove(parent string, siblings []Item, itemID string) (Plan, error) {
	from, ok := find(siblings, itemID)
	if !ok {
		return Plan{}, ErrItemMissing
	}
	if from.Order < 0 || from.Order >= len(siblings) {
		return Plan{}, fmt.Errorf("%w: %s has order %d among %d siblings", ErrInvalidPosition, itemID, from.Order, len(siblings))
	}
	plan := Plan{ItemID: itemID, FromParent: parent, FromOrder: from.Order}
	if tail := (Range{From: from.Order + 1, To: len(siblings) - 1}); !tail.Empty() {
		plan.Shifts = append(plan.Shifts, Shift{Parent: parent, Range: tail, Delta: -1})
	}
	return plan, nil
}

// NextOrder is the order a newly appended child receives.
func NextOrder(siblings []Item) int {
	next := 0
	for _, it := range siblings {
		if it.Order+1 > next {
			next = it.Order + 1
		}
	}
	return next
}

// Apply runs the plan against in-memory snapshots keyed by parent and returns
// the resulting children of every touched parent, sorted by order.
func Apply(plan Plan, parents map[string][]Item) map[string][]Item {
	out := make(map[string][]Item, len(parents))
	for parent, items := range parents {
		out[parent] = append([]Item(nil), items...)
	}
	for _, s := range plan.Shifts {
		items := out[s.Parent]
		for i := range items {
			if items[i].ID != plan.ItemID && s.Range.Contains(items[i].Order) {
				items[i].Order += s.Delta
			}
		}
	}
	if plan.ItemID == "" {
		return out
	}
	out[plan.FromParent] = without(out[plan.FromParent], plan.ItemID)
	if plan.ToParent != "" {
		out[plan.ToParent] = append(without(out[plan.ToParent], plan.ItemID), Item{ID: plan.ItemID, Order: plan.ToOrder})
	}
	for parent := range out {
		Sort(out[parent])
	}
	return out
}

// Affected lists the siblings whose order differs between before and after.
func Affected(before, after []Item) []Item {
	prev := make(map[string]int, len(before))
	for _, it := range before {
		prev[it.ID] = it.Order
	}
	var changed []Item
	for _, it := range after {
		if o, ok := prev[it.ID]; ok && o != it.Order {
			changed = append(changed, it)
		}
	}
	return changed
}

// CheckDense verifies orders form exactly {0..n-1}.
func CheckDense(orders []int) error {
	seen := make([]bool, len(orders))
	for _, o := range orders {
		if o < 0 || o >= len(orders) {
			return fmt.Errorf("order %d outside [0,%d)", o, len(orders))
		}
		if seen[o] {
			return fmt.Errorf("duplicate order %d", o)
		}
		seen[o] = true
	}
	return nil
}

func Orders(items []Item) []int {
	orders := make([]int, len(items))
	for i, it := range items {
		orders[i] = it.Order
	}
	return orders
}

func Sort(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Order != items[j].Order {
			return items[i].Order < items[j].Order
		}
		return items[i].ID < items[j].ID
	})
}

func find(items []Item, id string) (Item, bool) {
	for _, it := range items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

func without(items []Item, id string) []Item {
	out := items[:0:0]
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}

func clamp(v, upper int) int {
	if upper < 0 {
		upper = 0
	}
	if v < 0 {
		return 0
	}
	if v > upper {
		return upper
	}
	return v
}
