// Package validatorkind models the Solana validator implementations this
// tool can drive as a small tagged variant, per the "interface polymorphism
// over validator kind" design note: one enum value plus four functions
// instead of an interface hierarchy.
package validatorkind

import "fmt"

// Kind identifies a validator implementation running on a node.
type Kind int

const (
	Unknown Kind = iota
	Firedancer
	Agave
	Jito
	Solana
)

func (k Kind) String() string {
	switch k {
	case Firedancer:
		return "firedancer"
	case Agave:
		return "agave"
	case Jito:
		return "jito"
	case Solana:
		return "solana"
	default:
		return "unknown"
	}
}

// ParseKind maps a process-table executable name to its Kind. Returns
// Unknown, false if the name does not match any known validator.
func ParseKind(processName string) (Kind, bool) {
	switch {
	case contains(processName, "fdctl"), contains(processName, "firedancer"):
		return Firedancer, true
	case contains(processName, "jito-solana"):
		return Jito, true
	case contains(processName, "agave-validator"):
		return Agave, true
	case contains(processName, "solana-validator"):
		return Solana, true
	default:
		return Unknown, false
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// IdentityProbeCmd returns the remote shell command that prints the
// validator's currently running identity pubkey, by querying the admin
// RPC socket the running process exposes under ledgerDir.
func (k Kind) IdentityProbeCmd(cliPath, ledgerDir string) (string, error) {
	switch k {
	case Firedancer:
		return fmt.Sprintf("%s monitor --ledger %s --identity 2>/dev/null | head -1", cliPath, ledgerDir), nil
	case Agave, Jito, Solana:
		return fmt.Sprintf("%s --ledger %s monitor 2>/dev/null | grep -m1 'Identity pubkey' | awk '{print $NF}'", cliPath, ledgerDir), nil
	default:
		return "", fmt.Errorf("validatorkind: no identity probe for %s", k)
	}
}

// VersionProbeCmd returns the remote shell command whose stdout contains a
// semver-shaped version token for this kind.
func (k Kind) VersionProbeCmd(executable string) (string, error) {
	if executable == "" {
		return "", fmt.Errorf("validatorkind: empty executable path")
	}
	return fmt.Sprintf("%s --version", executable), nil
}

// SetIdentityCmd returns the remote command to switch the running
// validator's identity to keyPath. requireTower must be true; double-vote
// safety depends on --require-tower (or the Firedancer admin-RPC
// equivalent) being honored by the target binary.
func (k Kind) SetIdentityCmd(cliPath, keyPath string, requireTower bool) (string, error) {
	if !requireTower {
		return "", fmt.Errorf("validatorkind: refusing to build set-identity command without tower requirement")
	}
	switch k {
	case Agave, Jito, Solana:
		return fmt.Sprintf("%s set-identity --require-tower %s", cliPath, keyPath), nil
	case Firedancer:
		return fmt.Sprintf("%s set-identity --require-tower --identity %s", cliPath, keyPath), nil
	default:
		return "", fmt.Errorf("validatorkind: unknown kind %s", k)
	}
}

// TowerPath derives the on-disk tower file path for identity under
// ledgerDir, per the documented Agave-family naming convention. Firedancer
// keeps its tower state in its funk database rather than a flat file, so
// callers on that kind should use FiredancerFunkDir instead.
func (k Kind) TowerPath(ledgerDir, identity string) (string, error) {
	switch k {
	case Agave, Jito, Solana:
		return fmt.Sprintf("%s/tower-1_9-%s.bin", ledgerDir, identity), nil
	case Firedancer:
		return "", fmt.Errorf("validatorkind: firedancer tower state lives in the funk directory, not a flat file")
	default:
		return "", fmt.Errorf("validatorkind: unknown kind %s", k)
	}
}

// FiredancerFunkDir derives Firedancer's funk database directory, which
// holds its tower state in lieu of a flat tower file.
func FiredancerFunkDir(ledgerDir string) string {
	return ledgerDir + "/funk"
}

// SupportsRequireTower reports whether this kind's set-identity command
// can enforce the "no tower, no vote" discipline. All four currently known
// kinds support it; the function exists so a future kind without support
// fails the Planning phase explicitly instead of silently skipping the
// safety check.
func (k Kind) SupportsRequireTower() bool {
	switch k {
	case Agave, Jito, Solana, Firedancer:
		return true
	default:
		return false
	}
}
