// Package policy decides whether a classified action executes, queues for
// approval, or is blocked.
package policy

import (
	"slices"

	"governor/internal/domain"
)

// Reasons reported with each decision.
const (
	ReasonDraftOnly            = "draft_only"
	ReasonBlockList            = "block_list"
	ReasonAllowList            = "allow_list"
	ReasonOrgModeAll           = "org_mode_all"
	ReasonOrgModeNone          = "org_mode_none"
	ReasonSupervised           = "supervised"
	ReasonSemiLowRisk          = "semi_autonomous_low_risk"
	ReasonSemiElevatedRisk     = "semi_autonomous_elevated_risk"
	ReasonDangerousDestructive = "org_mode_dangerous_destructive"
	ReasonAutonomous           = "autonomous"
	ReasonDraftOnlyRead        = "draft_only_read"
	ReasonUnknownAutonomy      = "unknown_autonomy"
)

type Input struct {
	Autonomy  domain.AutonomyLevel
	AllowList []string
	BlockList []string
	OrgMode   domain.ApprovalMode
	Action    string
	Static    domain.StaticRisk
	Tier      domain.RiskTier
}

type Result struct {
	Decision domain.Decision `json:"decision"`
	Reason   string          `json:"reason"`
}

// InputFor assembles the policy input for an agent in an org.
func InputFor(agent domain.Agent, org domain.Organization, action string, static domain.StaticRisk, tier domain.RiskTier) Input {
	return Input{
		Autonomy:  agent.Autonomy,
		AllowList: agent.AllowList,
		BlockList: agent.BlockList,
		OrgMode:   org.ApprovalMode,
		Action:    action,
		Static:    static,
		Tier:      tier,
	}
}

// Decide walks the precedence chain; the first matching rule wins.
// Explicit per-agent lists are consulted before org and autonomy rules.
func Decide(in Input) Result {
	if in.Autonomy == domain.AutonomyDraftOnly && in.Static != domain.RiskRead {
		return Result{domain.DecisionBlock, ReasonDraftOnly}
	}
	if slices.Contains(in.BlockList, in.Action) {
		return Result{domain.DecisionQueue, ReasonBlockList}
	}
	if slices.Contains(in.AllowList, in.Action) {
		return Result{domain.DecisionExecute, ReasonAllowList}
	}
	switch in.OrgMode {
	case domain.ModeAll:
		return Result{domain.DecisionQueue, ReasonOrgModeAll}
	case domain.ModeNone:
		return Result{domain.DecisionExecute, ReasonOrgModeNone}
	}
	dangerous := in.OrgMode == domain.ModeDangerous && in.Static == domain.RiskDestructive
	switch in.Autonomy {
	case domain.AutonomySupervised:
		return Result{domain.DecisionQueue, ReasonSupervised}
	case domain.AutonomySemiAutonomous:
		if dangerous {
			return Result{domain.DecisionQueue, ReasonDangerousDestructive}
		}
		if in.Tier == domain.TierLow {
			return Result{domain.DecisionExecute, ReasonSemiLowRisk}
		}
		return Result{domain.DecisionQueue, ReasonSemiElevatedRisk}
	case domain.AutonomyAutonomous:
		if dangerous {
			return Result{domain.DecisionQueue, ReasonDangerousDestructive}
		}
		return Result{domain.DecisionExecute, ReasonAutonomous}
	case domain.AutonomyDraftOnly:
		// read actions only reach here
		return Result{domain.DecisionExecute, ReasonDraftOnlyRead}
	}
	return Result{domain.DecisionQueue, ReasonUnknownAutonomy}
}
