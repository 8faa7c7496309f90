// Package domain holds the core data model shared by the probe, state
// detector, health monitor, and switch orchestrator: Node, ValidatorPair,
// Role, Alert, MonitorState, and SwitchPlan. Kept dependency-free of
// the packages that populate and consume it so none of them import each
// other through this type layer.
package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/Xie-Hui/solana-validator-switch/internal/validatorkind"
)

// Node is a single physical host participating in a ValidatorPair.
type Node struct {
	Label             string // display label, e.g. "primary" / "backup"
	Host              string
	SSHUser           string
	SSHKeyPath        string
	FundedIdentityPath   string
	UnfundedIdentityPath string
	VoteKeypairPath      string

	// Discovered on first probe, refreshed on demand and on every switch.
	Kind          validatorkind.Kind
	LedgerDir     string
	TowerPath     string
	ExecutablePath string
	LastIdentity  string
	LastVersion   string
	LastProbedAt  time.Time

	// Diagnostic fields batched alongside the process scan; zero values mean
	// "not probed yet" rather than "healthy".
	DiskUsagePercent int
	SystemLoad       float64
	SyncStatus       string
}

// ValidatorPair is a user-declared group of two hosts that together host
// one on-chain vote account.
type ValidatorPair struct {
	Index           int
	VoteAccountPubkey string
	RPCEndpoint     string
	NodeA           *Node
	NodeB           *Node
}

// Nodes returns both nodes of the pair as a slice, for iteration.
func (p *ValidatorPair) Nodes() []*Node { return []*Node{p.NodeA, p.NodeB} }

// Peer returns the other node in the pair relative to n, or nil if n does
// not belong to this pair.
func (p *ValidatorPair) Peer(n *Node) *Node {
	switch n {
	case p.NodeA:
		return p.NodeB
	case p.NodeB:
		return p.NodeA
	default:
		return nil
	}
}

// Role is a computed classification for a Node relative to its pair.
type Role int

const (
	RoleUnknown Role = iota
	RoleActive
	RoleStandby
)

func (r Role) String() string {
	switch r {
	case RoleActive:
		return "active"
	case RoleStandby:
		return "standby"
	default:
		return "unknown"
	}
}

// AlertKind tags the category of an Alert.
type AlertKind string

const (
	AlertDelinquency   AlertKind = "delinquency"
	AlertSshFailure    AlertKind = "ssh_failure"
	AlertRpcFailure    AlertKind = "rpc_failure"
	AlertSwitchSuccess AlertKind = "switch_success"
	AlertSwitchFailure AlertKind = "switch_failure"
	AlertTest          AlertKind = "test"
)

// Severity ranks an Alert for display and routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a tagged record consumed by the Alert Dispatcher.
type Alert struct {
	ID        uuid.UUID
	Kind      AlertKind
	Severity  Severity
	Message   string
	Timestamp time.Time
	PairIndex int
}

// MonitorState holds per-pair mutable counters and timestamps tracked by
// the Health Monitor. Counters reset to zero on first success.
type MonitorState struct {
	PairIndex int

	ConsecutiveSSHFailures map[string]int // keyed by Node.Host
	FirstSSHFailureAt      map[string]time.Time

	ConsecutiveRPCFailures int
	FirstRPCFailureAt      time.Time

	// LastAlertAt is the debounce dispatcher's backing store: the last time
	// an alert of each kind was actually sent for this pair. Owned by
	// MonitorState per spec so status/inspection tooling can read it
	// alongside the rest of a pair's monitor state; written only by
	// alert.Dispatcher, which serializes all access to it.
	LastAlertAt map[AlertKind]time.Time

	LastVoteSlot    uint64
	LastVoteSlotAt  time.Time
}

// NewMonitorState returns a zeroed MonitorState for pairIndex.
func NewMonitorState(pairIndex int) *MonitorState {
	return &MonitorState{
		PairIndex:              pairIndex,
		ConsecutiveSSHFailures: make(map[string]int),
		FirstSSHFailureAt:      make(map[string]time.Time),
		LastAlertAt:            make(map[AlertKind]time.Time),
	}
}

// Phase names the Switch Orchestrator's state machine states.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhasePlanning           Phase = "planning"
	PhaseArmingSource       Phase = "arming_source"
	PhaseTransferringTower  Phase = "transferring_tower"
	PhaseActivatingDest     Phase = "activating_dest"
	PhaseVerifying          Phase = "verifying"
	PhaseCompleted          Phase = "completed"
	PhaseFailed             Phase = "failed"
)

// ReadinessItem is one filesystem precondition checked during Planning.
type ReadinessItem struct {
	Name string
	OK   bool
	Note string
}

// ReadinessChecklist is the full set of Phase 1 precondition checks,
// returned alongside the SwitchPlan so status/dry-run output can show
// exactly what was verified, not just a pass/fail bool.
type ReadinessChecklist struct {
	Items []ReadinessItem
}

// AllOK reports whether every checklist item passed.
func (c ReadinessChecklist) AllOK() bool {
	for _, item := range c.Items {
		if !item.OK {
			return false
		}
	}
	return true
}

// SwitchPlan is the immutable record produced by Phase 1 and consumed once
// by the remaining phases.
type SwitchPlan struct {
	ID uuid.UUID

	PairIndex int

	Source      *Node // currently Active
	Destination *Node // currently Standby

	SourceTowerPath      string
	DestinationTowerPath string // computed for the incoming funded identity
	DestinationFundedKey string
	SourceUnfundedKey    string

	SourceKind      validatorkind.Kind
	DestinationKind validatorkind.Kind

	ArmSourceCmd     string
	ActivateDestCmd  string

	Readiness ReadinessChecklist

	PlannedAt     time.Time
	VoteSlotAtPlan uint64
}
