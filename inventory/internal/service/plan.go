package service

import (
	"sort"

	"github.com/google/uuid"

	"marketplace-order-fulfillment/shared/events"
)

// allocation is the resolved plan for one reserve command: either every line
// can be held, or the shortfall list explains the rejection. Partial holds
// are never planned.
type allocation struct {
	Items       []plannedItem
	Unavailable []events.UnavailableItem
}

type plannedItem struct {
	ProductID uuid.UUID
	Quantity  int
}

func (a allocation) OK() bool { return len(a.Unavailable) == 0 }

// plan checks requested quantities against available stock. Requests for the
// same product are merged first so a duplicated line cannot double-hold.
// Products are visited in id order, matching the row lock order in the
// repository.
func plan(requested []events.OrderItem, available map[uuid.UUID]int) (allocation, error) {
	merged := map[uuid.UUID]int{}
	for _, item := range requested {
		productID, err := uuid.Parse(item.ProductID)
		if err != nil {
			return allocation{}, err
		}
		merged[productID] += item.Quantity
	}

	ids := make([]uuid.UUID, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var out allocation
	for _, id := range ids {
		want := merged[id]
		have := available[id]
		if have < want {
			out.Unavailable = append(out.Unavailable, events.UnavailableItem{
				ProductID:         id.String(),
				RequestedQuantity: want,
				AvailableQuantity: have,
			})
			continue
		}
		out.Items = append(out.Items, plannedItem{ProductID: id, Quantity: want})
	}
	if !out.OK() {
		out.Items = nil
	}
	return out, nil
}
