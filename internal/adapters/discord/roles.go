package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/metrics"
)

// RoleGranter управляет ролями участников через REST API Discord.
type RoleGranter struct {
	session *discordgo.Session
}

var _ domain.RoleGranter = (*RoleGranter)(nil)

// NewRoleGranter создаёт REST-сессию бота без подключения к шлюзу.
func NewRoleGranter(botToken string, timeout time.Duration) (*RoleGranter, error) {
	if botToken == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	if timeout > 0 {
		session.Client = &http.Client{Timeout: timeout}
	}
	return &RoleGranter{session: session}, nil
}

// MemberRoles возвращает роли участника. Если участника нет на сервере, возвращается domain.ErrNotFound.
func (g *RoleGranter) MemberRoles(ctx context.Context, guildID, userID string) ([]string, error) {
	start := time.Now()
	member, err := g.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	metrics.ObserveNetworkRequest("discord", "guild_member", guildID, start, err)
	if err != nil {
		if unknownMember(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get member %s: %w", userID, err)
	}
	return member.Roles, nil
}

// AddRole выдаёт роль участнику.
func (g *RoleGranter) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	start := time.Now()
	err := g.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
	metrics.ObserveNetworkRequest("discord", "role_add", guildID, start, err)
	if err != nil {
		return fmt.Errorf("add role %s: %w", roleID, err)
	}
	return nil
}

// RemoveRole снимает роль с участника.
func (g *RoleGranter) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	start := time.Now()
	err := g.session.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx))
	metrics.ObserveNetworkRequest("discord", "role_remove", guildID, start, err)
	if err != nil {
		return fmt.Errorf("remove role %s: %w", roleID, err)
	}
	return nil
}

func unknownMember(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil && (restErr.Message.Code == discordgo.ErrCodeUnknownMember || restErr.Message.Code == discordgo.ErrCodeUnknownUser) {
		return true
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}
