package benefits

import (
	"context"
	"fmt"

	"feed-scheduler/internal/domain"
)

// GetBenefitsOfServers возвращает привилегии серверов: ровно одну запись на каждый
// входной идентификатор в исходном порядке.
func (s *Service) GetBenefitsOfServers(ctx context.Context, guildIDs []string) ([]domain.ServerBenefits, error) {
	if len(guildIDs) == 0 {
		return []domain.ServerBenefits{}, nil
	}
	unique := dedupe(guildIDs)

	subscriptions := make(map[string]domain.GuildSubscription)
	if s.subscriptions != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
		subs, err := s.subscriptions.GetSubscriptions(lookupCtx, unique)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("get guild subscriptions: %w", err)
		}
		now := s.now()
		for _, sub := range subs {
			if sub.Active(now) {
				subscriptions[sub.GuildID] = sub
			}
		}
	}

	guildSupporters, err := s.supporters.ListGuildSupporters(ctx, unique)
	if err != nil {
		return nil, fmt.Errorf("list guild supporters: %w", err)
	}
	byGuild := make(map[string][]domain.SupporterBenefits, len(unique))
	for _, gs := range guildSupporters {
		byGuild[gs.GuildID] = append(byGuild[gs.GuildID], s.BenefitsFromSupporter(gs.Supporter))
	}

	out := make([]domain.ServerBenefits, 0, len(guildIDs))
	for _, id := range guildIDs {
		sub, hasSub := subscriptions[id]
		var subPtr *domain.GuildSubscription
		if hasSub {
			subPtr = &sub
		}
		out = append(out, s.serverBenefits(id, subPtr, byGuild[id]))
	}
	return out, nil
}

func (s *Service) serverBenefits(guildID string, sub *domain.GuildSubscription, supporters []domain.SupporterBenefits) domain.ServerBenefits {
	if sub != nil {
		rate := sub.RefreshRateSeconds
		if sub.IgnoreRefreshRateBenefit || rate <= 0 {
			rate = s.cfg.DefaultRefreshRateSeconds
		}
		return domain.ServerBenefits{
			ServerID:           guildID,
			HasSupporter:       true,
			MaxFeeds:           domain.GuildSubscriptionBaseFeeds + sub.ExtraFeeds,
			Webhooks:           true,
			RefreshRateSeconds: &rate,
		}
	}
	if len(supporters) == 0 {
		return domain.ServerBenefits{
			ServerID: guildID,
			MaxFeeds: s.cfg.DefaultMaxFeeds,
		}
	}
	out := domain.ServerBenefits{ServerID: guildID}
	for i, b := range supporters {
		if b.IsSupporter {
			out.HasSupporter = true
		}
		if b.Webhooks {
			out.Webhooks = true
		}
		if i == 0 || b.MaxFeeds > out.MaxFeeds {
			out.MaxFeeds = b.MaxFeeds
		}
		if out.RefreshRateSeconds == nil && b.RefreshRateSeconds > 0 {
			rate := b.RefreshRateSeconds
			out.RefreshRateSeconds = &rate
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
