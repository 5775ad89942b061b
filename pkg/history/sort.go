package history

import "sort"

func sortByCreated(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].RequestID < recs[j].RequestID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
