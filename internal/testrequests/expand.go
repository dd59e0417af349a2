package testrequests

import (
	"slices"

	"github.com/labdesk/labdesk/internal/labcatalog"
)

// Expand flattens catalog items to analyte-level request items. An analyte
// reached more than once yields one item carrying every contributing panel
// id; items keep the order in which their analyte first appeared.
func Expand(items []labcatalog.CatalogItem) []Item {
	out := make([]Item, 0, len(items))
	index := make(map[int64]int, len(items))
	add := func(a labcatalog.Analyte, panelID int64) {
		pos, seen := index[a.ID]
		if !seen {
			index[a.ID] = len(out)
			out = append(out, Item{
				TestID:     a.ID,
				Code:       a.Code,
				Name:       a.Name,
				Price:      a.Price,
				Department: a.Department,
				PanelIDs:   []int64{},
			})
			pos = len(out) - 1
		}
		if panelID != 0 && !slices.Contains(out[pos].PanelIDs, panelID) {
			out[pos].PanelIDs = append(out[pos].PanelIDs, panelID)
		}
	}
	for _, item := range items {
		switch v := item.(type) {
		case labcatalog.Analyte:
			add(v, 0)
		case labcatalog.Panel:
			for _, member := range v.Members {
				add(member, v.ID)
			}
		}
	}
	return out
}
