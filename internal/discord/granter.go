package discord

import (
	"context"
	"fmt"
	"slices"

	"github.com/bwmarrin/discordgo"
	"go.pilab.hu/verifybot/verification"
)

// RoleGranter applies the verified role through the Discord REST API and
// lists guilds from the gateway state cache.
type RoleGranter struct {
	api         restAPI
	state       *discordgo.State
	defaultRole string
	guildRoles  map[string]string
}

// NewRoleGranter creates a RoleGranter. guildRoles overrides defaultRole per guild.
func NewRoleGranter(session *discordgo.Session, defaultRole string, guildRoles map[string]string) *RoleGranter {
	return newRoleGranter(session, session.State, defaultRole, guildRoles)
}

func newRoleGranter(api restAPI, state *discordgo.State, defaultRole string, guildRoles map[string]string) *RoleGranter {
	return &RoleGranter{api: api, state: state, defaultRole: defaultRole, guildRoles: guildRoles}
}

// Grant implements verification.RoleGranter.
func (g *RoleGranter) Grant(ctx context.Context, requesterID, communityID string) (verification.GrantStatus, error) {
	roleID := g.roleFor(communityID)
	if roleID == "" {
		return verification.GrantFailed, fmt.Errorf("%w: %s", errNoRoleConfigured, communityID)
	}

	member, err := g.api.GuildMember(communityID, requesterID, discordgo.WithContext(ctx))
	if err != nil {
		status := classifyGrantError(err)
		if status == verification.GrantNotAMember {
			return status, nil
		}
		return status, fmt.Errorf("fetch member: %w", err)
	}
	if slices.Contains(member.Roles, roleID) {
		return verification.GrantSucceeded, nil
	}

	if err := g.api.GuildMemberRoleAdd(communityID, requesterID, roleID, discordgo.WithContext(ctx)); err != nil {
		return classifyGrantError(err), fmt.Errorf("add role %s: %w", roleID, err)
	}
	return verification.GrantSucceeded, nil
}

// Communities implements verification.CommunityDirectory.
func (g *RoleGranter) Communities(_ context.Context) ([]verification.Community, error) {
	g.state.RLock()
	defer g.state.RUnlock()

	communities := make([]verification.Community, 0, len(g.state.Guilds))
	for _, guild := range g.state.Guilds {
		communities = append(communities, verification.Community{ID: guild.ID, Name: guild.Name})
	}
	return communities, nil
}

func (g *RoleGranter) roleFor(guildID string) string {
	if role, ok := g.guildRoles[guildID]; ok && role != "" {
		return role
	}
	return g.defaultRole
}
