package benefits

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"feed-scheduler/internal/domain"
)

type stubRoles struct {
	member  []string
	err     error
	addErr  error
	added   []string
	removed []string
}

func (s *stubRoles) MemberRoles(context.Context, string, string) ([]string, error) {
	return s.member, s.err
}

func (s *stubRoles) AddRole(_ context.Context, _, _, roleID string) error {
	s.added = append(s.added, roleID)
	return s.addErr
}

func (s *stubRoles) RemoveRole(_ context.Context, _, _, roleID string) error {
	s.removed = append(s.removed, roleID)
	return nil
}

func rolesConfig() Config {
	cfg := testConfig()
	cfg.Roles = domain.SupporterRoles{GuildID: "support", RoleID: "r", SubroleIDs: []string{"t1", "t2", "t3"}}
	return cfg
}

func TestSyncDiscordSupporterRoles(t *testing.T) {
	repo := &stubSupporters{byID: map[string]domain.Supporter{
		"paid": {ID: "paid", Subscription: &domain.SupporterSubscription{ProductKey: domain.ProductTier2, Status: domain.SubscriptionActive}},
		"late": {ID: "late", Subscription: &domain.SupporterSubscription{ProductKey: domain.ProductTier2, Status: domain.SubscriptionPastDue, BillingPeriodStart: fixedNow.Add(-11 * 24 * time.Hour)}},
	}}

	tests := []struct {
		name        string
		user        string
		member      []string
		wantAdded   []string
		wantRemoved []string
	}{
		{name: "grant", user: "paid", member: []string{"t1"}, wantAdded: []string{"r", "t2"}, wantRemoved: []string{"t1"}},
		{name: "expired grace", user: "late", member: []string{"r", "t2"}, wantRemoved: []string{"r", "t2"}},
		{name: "unknown user", user: "nobody", member: []string{"other"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roles := &stubRoles{member: tt.member}
			svc := newTestService(repo, nil, roles, rolesConfig())
			if err := svc.SyncDiscordSupporterRoles(context.Background(), tt.user); err != nil {
				t.Fatalf("не ожидали ошибку: %v", err)
			}
			if !reflect.DeepEqual(roles.added, tt.wantAdded) {
				t.Fatalf("выданные роли = %v, want %v", roles.added, tt.wantAdded)
			}
			if !reflect.DeepEqual(roles.removed, tt.wantRemoved) {
				t.Fatalf("снятые роли = %v, want %v", roles.removed, tt.wantRemoved)
			}
		})
	}
}

func TestSyncDiscordSupporterRolesErrors(t *testing.T) {
	repo := &stubSupporters{byID: map[string]domain.Supporter{
		"paid": {ID: "paid", Subscription: &domain.SupporterSubscription{ProductKey: domain.ProductTier1, Status: domain.SubscriptionActive}},
	}}

	roles := &stubRoles{addErr: errors.New("forbidden")}
	svc := newTestService(repo, nil, roles, rolesConfig())
	if err := svc.SyncDiscordSupporterRoles(context.Background(), "paid"); err != nil {
		t.Fatalf("ошибки отдельных ролей не должны прерывать синхронизацию: %v", err)
	}
	if len(roles.added) != 2 {
		t.Fatalf("ожидали попытку выдать обе роли, получили %v", roles.added)
	}

	svc = newTestService(repo, nil, &stubRoles{err: errors.New("unknown member")}, rolesConfig())
	if err := svc.SyncDiscordSupporterRoles(context.Background(), "paid"); err == nil {
		t.Fatalf("ожидали ошибку получения участника")
	}

	absent := &stubRoles{err: domain.ErrNotFound}
	svc = newTestService(repo, nil, absent, rolesConfig())
	if err := svc.SyncDiscordSupporterRoles(context.Background(), "paid"); err != nil || absent.added != nil {
		t.Fatalf("пользователь вне сервера поддержки пропускается без ошибки: %v", err)
	}

	unconfigured := &stubRoles{}
	svc = newTestService(repo, nil, unconfigured, testConfig())
	if err := svc.SyncDiscordSupporterRoles(context.Background(), "paid"); err != nil || unconfigured.added != nil {
		t.Fatalf("без настройки ролей синхронизация не выполняется")
	}
}
