// Package config loads the user-supplied configuration document: the list
// of validator pairs and the alert transport settings. Parsing format and
// validation are treated as an external collaborator per the core spec,
// but the core still needs a typed view of the result, so this package
// stays intentionally thin: read file, unmarshal YAML, fill in defaults,
// hand back typed structs. It does not interpret validator kinds or probe
// anything — that is the Validator Probe's job.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
	"github.com/Xie-Hui/solana-validator-switch/internal/errs"
)

// NodeConfig is the on-disk shape of one host within a pair.
type NodeConfig struct {
	Label                string `yaml:"label"`
	Host                 string `yaml:"host"`
	SSHUser              string `yaml:"ssh_user"`
	SSHKeyPath           string `yaml:"ssh_key_path"`
	FundedIdentityPath   string `yaml:"funded_identity_path"`
	UnfundedIdentityPath string `yaml:"unfunded_identity_path"`
	VoteKeypairPath      string `yaml:"vote_keypair_path"`
}

// PairConfig is the on-disk shape of one validator pair.
type PairConfig struct {
	VoteAccountPubkey string     `yaml:"vote_account_pubkey"`
	RPCEndpoint       string     `yaml:"rpc_endpoint"`
	NodeA             NodeConfig `yaml:"node_a"`
	NodeB             NodeConfig `yaml:"node_b"`
}

// TelegramConfig carries the outbound alert transport's credentials,
// opaque to the core beyond being handed to the dispatcher verbatim.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// AlertConfig is the on-disk alert_config record.
type AlertConfig struct {
	Enabled                     bool            `yaml:"enabled"`
	DelinquencyThresholdSeconds uint64          `yaml:"delinquency_threshold_seconds"`
	Telegram                    *TelegramConfig `yaml:"telegram,omitempty"`
}

// Document is the full parsed configuration file.
type Document struct {
	Pairs []PairConfig `yaml:"pairs"`
	Alert AlertConfig  `yaml:"alert_config"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("reading config %s: %w", path, err))
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("parsing config %s: %w", path, err))
	}
	if err := validate(&doc); err != nil {
		return nil, errs.New(errs.ConfigInvalid, err)
	}
	return &doc, nil
}

func validate(doc *Document) error {
	if len(doc.Pairs) == 0 {
		return fmt.Errorf("config must declare at least one validator pair")
	}
	for i, p := range doc.Pairs {
		if p.VoteAccountPubkey == "" {
			return fmt.Errorf("pair %d: vote_account_pubkey is required", i)
		}
		if p.RPCEndpoint == "" {
			return fmt.Errorf("pair %d: rpc_endpoint is required", i)
		}
		for _, n := range []NodeConfig{p.NodeA, p.NodeB} {
			if n.Host == "" || n.SSHUser == "" || n.SSHKeyPath == "" {
				return fmt.Errorf("pair %d: node %q missing host/ssh_user/ssh_key_path", i, n.Label)
			}
			if n.FundedIdentityPath == "" || n.UnfundedIdentityPath == "" {
				return fmt.Errorf("pair %d: node %q missing identity paths", i, n.Label)
			}
			if n.VoteKeypairPath == "" {
				return fmt.Errorf("pair %d: node %q missing vote_keypair_path", i, n.Label)
			}
		}
	}
	if doc.Alert.Enabled && doc.Alert.DelinquencyThresholdSeconds == 0 {
		return fmt.Errorf("alert_config.delinquency_threshold_seconds must be set when alerts are enabled")
	}
	return nil
}

// ToValidatorPairs converts the parsed document into the domain types the
// rest of the core operates on.
func ToValidatorPairs(doc *Document) []*domain.ValidatorPair {
	pairs := make([]*domain.ValidatorPair, 0, len(doc.Pairs))
	for i, p := range doc.Pairs {
		pairs = append(pairs, &domain.ValidatorPair{
			Index:             i,
			VoteAccountPubkey: p.VoteAccountPubkey,
			RPCEndpoint:       p.RPCEndpoint,
			NodeA:             toNode(p.NodeA),
			NodeB:             toNode(p.NodeB),
		})
	}
	return pairs
}

func toNode(n NodeConfig) *domain.Node {
	return &domain.Node{
		Label:                n.Label,
		Host:                 n.Host,
		SSHUser:              n.SSHUser,
		SSHKeyPath:           n.SSHKeyPath,
		FundedIdentityPath:   n.FundedIdentityPath,
		UnfundedIdentityPath: n.UnfundedIdentityPath,
		VoteKeypairPath:      n.VoteKeypairPath,
	}
}
