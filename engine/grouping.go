/*
grouping.go - Collapse a customer's payments into purchase groups

A customer paying in several installments within the grouping window is one
logical purchase. The window is anchored at the first payment of the group
(sliding anchor, not calendar bucketing): with a 3h window, payments at
t=0 and t=1h group together; a payment at t=4h starts a new group.
*/
package engine

import (
	"sort"
	"time"
)

// GroupPayments partitions payments by customer and grouping window.
// Input order does not matter; groups come back ordered by customer id
// then first-payment time, and payments inside a group are chronological.
func GroupPayments(payments []PaymentRecord, window time.Duration) []CustomerGroup {
	byCustomer := make(map[CustomerID][]PaymentRecord)
	for _, p := range payments {
		byCustomer[p.CustomerID] = append(byCustomer[p.CustomerID], p)
	}

	custIDs := make([]CustomerID, 0, len(byCustomer))
	for id := range byCustomer {
		custIDs = append(custIDs, id)
	}
	sort.Slice(custIDs, func(i, j int) bool { return custIDs[i] < custIDs[j] })

	var groups []CustomerGroup
	for _, id := range custIDs {
		custPayments := byCustomer[id]
		sort.Slice(custPayments, func(i, j int) bool {
			return custPayments[i].CreatedAt.Before(custPayments[j].CreatedAt)
		})

		var current *CustomerGroup
		for _, p := range custPayments {
			if current == nil || p.CreatedAt.Sub(current.First.CreatedAt) > window {
				if current != nil {
					groups = append(groups, *current)
				}
				current = &CustomerGroup{
					CustomerID: id,
					DateKey:    string(id) + "_" + p.CreatedAt.UTC().Format("2006-01-02"),
					First:      p,
				}
			}
			current.Payments = append(current.Payments, p)
			current.TotalAmount += p.Amount
		}
		if current != nil {
			groups = append(groups, *current)
		}
	}

	return groups
}
