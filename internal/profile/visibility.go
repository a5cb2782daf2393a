package profile

import (
	"wisefido-snapshot/internal/models"
)

// Order 用户的显示顺序覆盖
type Order struct {
	Codes       []string
	UsesDefault bool
}

// ComputeVisibility 计算可见性
//
// available 为提取成功的变体；默认顺序下 visible 为模板默认变体与 available 的交集，
// 否则按 Codes 顺序取 available 中存在的变体。hidden = available − visible。
func ComputeVisibility(p Profile, available []models.Variant, order *Order, preferred func(models.MeasurementType) models.Unit) *models.MeasurementVisibility {
	availSet := make(map[models.Variant]bool, len(available))
	for _, v := range available {
		availSet[v] = true
	}

	usesDefault := order == nil || order.UsesDefault || len(order.Codes) == 0

	var candidates []models.Variant
	if usesDefault {
		candidates = p.DefaultVisible(preferred)
	} else {
		for _, code := range order.Codes {
			if v, ok := models.ParseVariantCode(code); ok {
				candidates = append(candidates, v)
			}
		}
	}

	seen := make(map[models.Variant]bool, len(candidates))
	visible := make([]models.Variant, 0, len(candidates))
	for _, v := range candidates {
		if !availSet[v] || seen[v] {
			continue
		}
		seen[v] = true
		visible = append(visible, v)
	}

	hidden := make([]models.Variant, 0, len(available))
	for _, v := range available {
		if !seen[v] {
			hidden = append(hidden, v)
		}
	}

	return &models.MeasurementVisibility{
		Available:        append([]models.Variant(nil), available...),
		Visible:          visible,
		Hidden:           hidden,
		UsesDefaultOrder: usesDefault,
	}
}
