package domain

import (
	"reflect"
	"testing"
)

func TestSupporterRolesPlanRoles(t *testing.T) {
	roles := SupporterRoles{GuildID: "g", RoleID: "main", SubroleIDs: []string{"t1", "t2", "t3"}}
	tests := []struct {
		name   string
		member []string
		sub    *SupporterSubscription
		want   RolePlan
	}{
		{name: "no subscription removes held roles", member: []string{"main", "t2", "other"}, want: RolePlan{Remove: []string{"main", "t2"}}},
		{name: "no subscription nothing held", member: []string{"other"}, want: RolePlan{}},
		{name: "tier1 grants main and subrole", member: nil, sub: &SupporterSubscription{ProductKey: ProductTier1}, want: RolePlan{Add: []string{"main", "t1"}}},
		{name: "tier3 swaps subrole", member: []string{"main", "t1"}, sub: &SupporterSubscription{ProductKey: ProductTier3}, want: RolePlan{Add: []string{"t3"}, Remove: []string{"t1"}}},
		{name: "free keeps only main", member: []string{"main", "t2"}, sub: &SupporterSubscription{ProductKey: ProductFree}, want: RolePlan{Remove: []string{"t2"}}},
		{name: "already in sync", member: []string{"main", "t2"}, sub: &SupporterSubscription{ProductKey: ProductTier2}, want: RolePlan{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := roles.PlanRoles(tt.member, tt.sub); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("PlanRoles(%v) = %+v, want %+v", tt.member, got, tt.want)
			}
		})
	}
}

func TestSupporterRolesEnabled(t *testing.T) {
	if (SupporterRoles{GuildID: "g", RoleID: "r"}).Enabled() {
		t.Fatalf("без подролей синхронизация должна быть выключена")
	}
	if !(SupporterRoles{GuildID: "g", RoleID: "r", SubroleIDs: []string{"a"}}).Enabled() {
		t.Fatalf("ожидали включённую синхронизацию")
	}
}
