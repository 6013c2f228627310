package domain

// SupporterRoles описывает роли поддерживающих на сервере поддержки.
type SupporterRoles struct {
	GuildID string
	RoleID  string
	// SubroleIDs соответствуют тарифам tier1, tier2, tier3.
	SubroleIDs []string
}

// Enabled сообщает, настроена ли синхронизация ролей.
func (r SupporterRoles) Enabled() bool {
	return r.GuildID != "" && r.RoleID != "" && len(r.SubroleIDs) > 0
}

// SubroleFor возвращает роль тарифа или пустую строку.
func (r SupporterRoles) SubroleFor(key SubscriptionProductKey) string {
	idx := -1
	switch key {
	case ProductTier1:
		idx = 0
	case ProductTier2:
		idx = 1
	case ProductTier3:
		idx = 2
	}
	if idx < 0 || idx >= len(r.SubroleIDs) {
		return ""
	}
	return r.SubroleIDs[idx]
}

// RolePlan — изменения ролей участника.
type RolePlan struct {
	Add    []string
	Remove []string
}

// PlanRoles вычисляет, какие роли выдать и снять участнику с ролями member.
// Роли, которые уже совпадают с нужным состоянием, не затрагиваются.
func (r SupporterRoles) PlanRoles(member []string, sub *SupporterSubscription) RolePlan {
	has := make(map[string]bool, len(member))
	for _, id := range member {
		has[id] = true
	}
	var plan RolePlan
	if sub == nil {
		for _, id := range append([]string{r.RoleID}, r.SubroleIDs...) {
			if has[id] {
				plan.Remove = append(plan.Remove, id)
			}
		}
		return plan
	}
	if !has[r.RoleID] {
		plan.Add = append(plan.Add, r.RoleID)
	}
	use := r.SubroleFor(sub.ProductKey)
	for _, id := range r.SubroleIDs {
		if id != use && has[id] {
			plan.Remove = append(plan.Remove, id)
		}
	}
	if use != "" && !has[use] {
		plan.Add = append(plan.Add, use)
	}
	return plan
}
