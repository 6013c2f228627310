package benefits

import (
	"context"
	"errors"
	"fmt"

	"feed-scheduler/internal/domain"
)

// SyncDiscordSupporterRoles приводит роли пользователя на сервере поддержки
// в соответствие с его платной подпиской. Ошибки по отдельным ролям только логируются.
func (s *Service) SyncDiscordSupporterRoles(ctx context.Context, discordUserID string) error {
	roles := s.cfg.Roles
	if !roles.Enabled() || s.roles == nil {
		s.log.Debug().Str("user", discordUserID).Msg("benefits: синхронизация ролей не настроена, пропускаем")
		return nil
	}

	var subscription *domain.SupporterSubscription
	sup, err := s.supporters.FindSupporter(ctx, discordUserID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return fmt.Errorf("find supporter: %w", err)
	case s.subscriptionValid(sup.Subscription):
		subscription = sup.Subscription
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	member, err := s.roles.MemberRoles(lookupCtx, roles.GuildID, discordUserID)
	cancel()
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Debug().Str("user", discordUserID).Msg("benefits: пользователь не состоит на сервере поддержки")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get guild member: %w", err)
	}

	plan := roles.PlanRoles(member, subscription)
	logger := s.log.With().Str("user", discordUserID).Str("guild", roles.GuildID).Logger()
	for _, roleID := range plan.Remove {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
		if err := s.roles.RemoveRole(callCtx, roles.GuildID, discordUserID, roleID); err != nil {
			logger.Error().Err(err).Str("role", roleID).Msg("benefits: не удалось снять роль поддерживающего")
		}
		cancel()
	}
	for _, roleID := range plan.Add {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
		if err := s.roles.AddRole(callCtx, roles.GuildID, discordUserID, roleID); err != nil {
			logger.Error().Err(err).Str("role", roleID).Msg("benefits: не удалось выдать роль поддерживающего")
		}
		cancel()
	}
	logger.Info().Strs("added", plan.Add).Strs("removed", plan.Remove).Msg("benefits: роли поддерживающего синхронизированы")
	return nil
}
