package datasync

import (
	"wisefido-snapshot/internal/models"
)

// identityIndex 初始构建时按 mac、luid、id 依次匹配可复用的旧快照
type identityIndex struct {
	byMac  map[string]*models.Snapshot
	byLuID map[string]*models.Snapshot
	byID   map[string]*models.Snapshot
	left   map[*models.Snapshot]struct{}
}

func newIdentityIndex(snapshots []*models.Snapshot) *identityIndex {
	x := &identityIndex{
		byMac:  make(map[string]*models.Snapshot, len(snapshots)),
		byLuID: make(map[string]*models.Snapshot, len(snapshots)),
		byID:   make(map[string]*models.Snapshot, len(snapshots)),
		left:   make(map[*models.Snapshot]struct{}, len(snapshots)),
	}
	for _, s := range snapshots {
		id := s.Identity()
		if mac := deref(id.MacID); mac != "" {
			x.byMac[mac] = s
		}
		if luid := deref(id.LuID); luid != "" {
			x.byLuID[luid] = s
		}
		x.byID[id.ID] = s
		x.left[s] = struct{}{}
	}
	return x
}

// take 取出与传感器匹配的旧快照；匹配后从三个索引中移除
func (x *identityIndex) take(sensor models.Sensor) (*models.Snapshot, bool) {
	var s *models.Snapshot
	if mac := deref(sensor.MacID); mac != "" {
		s = x.byMac[mac]
	}
	if s == nil {
		if luid := deref(sensor.LuID); luid != "" {
			s = x.byLuID[luid]
		}
	}
	if s == nil {
		s = x.byID[sensor.ID]
	}
	if s == nil {
		return nil, false
	}
	x.remove(s)
	return s, true
}

func (x *identityIndex) remove(s *models.Snapshot) {
	id := s.Identity()
	if mac := deref(id.MacID); mac != "" && x.byMac[mac] == s {
		delete(x.byMac, mac)
	}
	if luid := deref(id.LuID); luid != "" && x.byLuID[luid] == s {
		delete(x.byLuID, luid)
	}
	if x.byID[id.ID] == s {
		delete(x.byID, id.ID)
	}
	delete(x.left, s)
}

// remaining 没有被任何传感器匹配的旧快照
func (x *identityIndex) remaining() []*models.Snapshot {
	out := make([]*models.Snapshot, 0, len(x.left))
	for s := range x.left {
		out = append(out, s)
	}
	return out
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
