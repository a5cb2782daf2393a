package coordinator

import (
	"wisefido-snapshot/internal/models"
)

// listState 已发布的快照列表
type listState struct {
	ids []string
	fps map[string]models.Fingerprint
}

func captureList(snapshots []*models.Snapshot) listState {
	st := listState{
		ids: make([]string, 0, len(snapshots)),
		fps: make(map[string]models.Fingerprint, len(snapshots)),
	}
	for _, s := range snapshots {
		fp := s.Fingerprint()
		st.ids = append(st.ids, fp.ID)
		st.fps[fp.ID] = fp
	}
	return st
}

// listDiff 两次列表之间的差异
type listDiff struct {
	inserted  []string
	deleted   []string
	updated   []string
	reordered bool
}

// classify 按 id 集合与逐项浅比较对列表变化分类；无变化返回 ListChangeNone
func classify(prev, next listState) (models.ListChange, listDiff) {
	var d listDiff
	for _, id := range next.ids {
		old, ok := prev.fps[id]
		if !ok {
			d.inserted = append(d.inserted, id)
			continue
		}
		if old != next.fps[id] {
			d.updated = append(d.updated, id)
		}
	}
	for _, id := range prev.ids {
		if _, ok := next.fps[id]; !ok {
			d.deleted = append(d.deleted, id)
		}
	}
	d.reordered = !sameRelativeOrder(prev, next)

	kinds := 0
	change := models.ListChangeNone
	if len(d.inserted) > 0 {
		kinds++
		change = models.ListChangeInsert
	}
	if len(d.deleted) > 0 {
		kinds++
		change = models.ListChangeDelete
	}
	if len(d.updated) > 0 {
		kinds++
		change = models.ListChangeUpdate
	}
	if d.reordered {
		kinds++
		change = models.ListChangeReorder
	}
	if kinds > 1 {
		change = models.ListChangeMixed
	}
	return change, d
}

// sameRelativeOrder 两个列表共有的 id 是否保持相同相对顺序
func sameRelativeOrder(prev, next listState) bool {
	a := make([]string, 0, len(prev.ids))
	for _, id := range prev.ids {
		if _, ok := next.fps[id]; ok {
			a = append(a, id)
		}
	}
	i := 0
	for _, id := range next.ids {
		if _, ok := prev.fps[id]; !ok {
			continue
		}
		if i >= len(a) || a[i] != id {
			return false
		}
		i++
	}
	return i == len(a)
}
