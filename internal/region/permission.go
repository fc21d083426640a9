package region

import "strings"

// Permission is a capability string. Region-scoped permissions embed the
// region ID, e.g. "region:<id>:trade".
type Permission string

// Galaxy-level permissions, held by platform administrators.
const (
	GalaxyAdminFull     Permission = "galaxy:admin:*"
	GalaxyManageRegions Permission = "galaxy:regions:manage"
	GalaxyManageNexus   Permission = "galaxy:nexus:manage"
	GalaxyViewAll       Permission = "galaxy:view:*"
	GalaxyManageUsers   Permission = "galaxy:users:manage"
)

// Cross-regional permissions.
const (
	TravelBetweenRegions    Permission = "travel:regions"
	GalacticCitizenBenefits Permission = "galactic_citizen:benefits"
	DiplomaticImmunity      Permission = "diplomatic:immunity"
	CrossRegionalTrade      Permission = "trade:cross_regional"
	NexusAccess             Permission = "nexus:access"
	EmbassyAccess           Permission = "embassy:access"
)

// Region-scoped permission templates.
const (
	tmplOwnerFull         = "region:{region_id}:owner:*"
	tmplManageEconomy     = "region:{region_id}:economy:manage"
	tmplManageGovernance  = "region:{region_id}:governance:manage"
	tmplManageMembers     = "region:{region_id}:members:manage"
	tmplViewAnalytics     = "region:{region_id}:analytics:view"
	tmplManageCulture     = "region:{region_id}:culture:manage"
	tmplManageTreaties    = "region:{region_id}:treaties:manage"
	tmplCreateElections   = "region:{region_id}:elections:create"
	tmplModerate          = "region:{region_id}:moderate"
	tmplVote              = "region:{region_id}:vote"
	tmplProposePolicy     = "region:{region_id}:policy:propose"
	tmplTrade             = "region:{region_id}:trade"
	tmplCommunicate       = "region:{region_id}:communicate"
	tmplCreateContent     = "region:{region_id}:content:create"
	tmplParticipateEvents = "region:{region_id}:events:participate"
)

func scoped(tmpl, regionID string) Permission {
	return Permission(strings.ReplaceAll(tmpl, "{region_id}", regionID))
}

func OwnerFull(regionID string) Permission        { return scoped(tmplOwnerFull, regionID) }
func ManageEconomy(regionID string) Permission    { return scoped(tmplManageEconomy, regionID) }
func ManageGovernance(regionID string) Permission { return scoped(tmplManageGovernance, regionID) }
func ManageMembers(regionID string) Permission    { return scoped(tmplManageMembers, regionID) }
func ManageTreaties(regionID string) Permission   { return scoped(tmplManageTreaties, regionID) }
func Moderate(regionID string) Permission         { return scoped(tmplModerate, regionID) }
func Vote(regionID string) Permission             { return scoped(tmplVote, regionID) }
func Trade(regionID string) Permission            { return scoped(tmplTrade, regionID) }
func Communicate(regionID string) Permission      { return scoped(tmplCommunicate, regionID) }

type Role string

const (
	RoleGalaxyAdministrator Role = "galaxy_administrator"
	RoleOwner               Role = "region_owner"
	RoleAdministrator       Role = "region_administrator"
	RoleModerator           Role = "region_moderator"
	RoleCitizen             Role = "region_citizen"
	RoleResident            Role = "region_resident"
	RoleVisitor             Role = "region_visitor"
	RoleGalacticCitizen     Role = "galactic_citizen"
	RoleBanned              Role = "banned"
)

var roleTemplates = map[Role][]string{
	RoleOwner: {
		tmplOwnerFull, tmplManageEconomy, tmplManageGovernance, tmplManageMembers,
		tmplViewAnalytics, tmplManageCulture, tmplManageTreaties, tmplCreateElections,
		tmplModerate, tmplVote, tmplTrade, tmplCommunicate,
	},
	RoleAdministrator: {
		tmplManageEconomy, tmplManageMembers, tmplViewAnalytics, tmplModerate,
		tmplVote, tmplTrade, tmplCommunicate,
	},
	RoleModerator: {tmplModerate, tmplVote, tmplTrade, tmplCommunicate},
	RoleCitizen: {
		tmplVote, tmplProposePolicy, tmplTrade, tmplCommunicate,
		tmplCreateContent, tmplParticipateEvents,
	},
	RoleResident: {tmplTrade, tmplCommunicate, tmplParticipateEvents},
	RoleVisitor:  {tmplTrade, tmplCommunicate},
}

var galacticCitizenPermissions = map[Permission]struct{}{
	TravelBetweenRegions:    {},
	GalacticCitizenBenefits: {},
	CrossRegionalTrade:      {},
	NexusAccess:             {},
	EmbassyAccess:           {},
}

// PermissionsFor returns the permissions a role holds in the given region.
func PermissionsFor(role Role, regionID string) map[Permission]struct{} {
	tmpls := roleTemplates[role]
	out := make(map[Permission]struct{}, len(tmpls))
	for _, t := range tmpls {
		out[scoped(t, regionID)] = struct{}{}
	}
	return out
}

// RoleFor resolves a member's role: ownership first, then local rank, then
// membership type.
func RoleFor(r Region, m Membership) Role {
	if m.Banned() {
		return RoleBanned
	}
	if r.OwnerID != "" && r.OwnerID == m.PlayerID {
		return RoleOwner
	}
	switch m.LocalRank {
	case RankAdministrator:
		return RoleAdministrator
	case RankModerator:
		return RoleModerator
	}
	switch m.Type {
	case MembershipCitizen:
		return RoleCitizen
	case MembershipResident:
		return RoleResident
	}
	return RoleVisitor
}
