package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSemverPrefersFirstValidToken(t *testing.T) {
	v, ok := extractSemver("agave-validator 2.1.13 (src:abcdef; feat:12345)")
	assert.True(t, ok)
	assert.Equal(t, "2.1.13", v)
}

func TestExtractSemverHandlesLeadingV(t *testing.T) {
	v, ok := extractSemver("solana-cli v1.18.22")
	assert.True(t, ok)
	assert.Equal(t, "1.18.22", v)
}

func TestExtractSemverNoMatch(t *testing.T) {
	_, ok := extractSemver("no version token here")
	assert.False(t, ok)
}

func TestFirstTokenFromPsAuxLine(t *testing.T) {
	line := "root      1234  2.0  4.5 123456 78900 ?        Sl   10:00   1:23 agave-validator --ledger /mnt/ledger --identity /home/sol/identity.json"
	assert.Equal(t, "agave-validator", firstToken(line))
}

func TestFirstTokenTooFewFields(t *testing.T) {
	assert.Equal(t, "", firstToken("root 1 2 3"))
}

func TestExtractLedgerDir(t *testing.T) {
	line := "root 1234 2.0 4.5 123456 78900 ? Sl 10:00 1:23 agave-validator --ledger /mnt/ledger --identity /home/sol/identity.json"
	assert.Equal(t, "/mnt/ledger", extractLedgerDir(line))
}

func TestNonEmptyLinesSkipsBlank(t *testing.T) {
	out := nonEmptyLines("a\n\nb\n   \nc")
	assert.Equal(t, []string{"a", "b", "c"}, out)
}

func TestParseDiagnosticsFillsAllSections(t *testing.T) {
	output := "=== DISK ===\n42\n=== LOAD ===\n1.25\n=== SYNC ===\nin sync\n=== END ===\n"
	var r Result
	parseDiagnostics(output, &r)
	assert.Equal(t, 42, r.DiskUsagePercent)
	assert.Equal(t, 1.25, r.SystemLoad)
	assert.Equal(t, "in sync", r.SyncStatus)
}

func TestParseDiagnosticsRecognizesTimeoutAndBehind(t *testing.T) {
	var behind Result
	parseDiagnostics("=== SYNC ===\n5 slots behind\n", &behind)
	assert.Equal(t, "behind", behind.SyncStatus)

	var timeout Result
	parseDiagnostics("=== SYNC ===\ntimeout\n", &timeout)
	assert.Equal(t, "timeout", timeout.SyncStatus)
}

func TestParseDiagnosticsLeavesFieldsZeroOnMissingSection(t *testing.T) {
	var r Result
	parseDiagnostics("=== DISK ===\n13\n", &r)
	assert.Equal(t, 13, r.DiskUsagePercent)
	assert.Equal(t, 0.0, r.SystemLoad)
	assert.Equal(t, "", r.SyncStatus)
}
