// Package policy gates inbound events on channel policy, pairing, and
// allowlist state. Evaluation fails closed: a policy file that cannot be
// loaded denies every event until an operator fixes it.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

// ChannelPolicySchemaVersion is the supported channel-policy.json schema.
const ChannelPolicySchemaVersion = 1

// ChannelPolicyFileName is the policy file name under the security dir.
const ChannelPolicyFileName = "channel-policy.json"

// Channel policy decision reason codes.
const (
	ReasonDenyDM               = "deny_channel_policy_dm"
	ReasonDenyGroup            = "deny_channel_policy_group"
	ReasonDenyMentionRequired  = "deny_channel_policy_mention_required"
	ReasonDenyAllowlistOnly    = "deny_channel_policy_allow_from_allowlist_only"
	ReasonDenyPolicyLoadError  = "deny_channel_policy_load_error"
	ReasonAllowFromAny         = "allow_channel_policy_allow_from_any"
	ReasonAllowFromAllowOrPair = "allow_channel_policy_allow_from_allowlist_or_pairing"
	ReasonAllowFromAllowOnly   = "allow_channel_policy_allow_from_allowlist_only"
)

// DMPolicy controls whether direct messages are accepted at all.
type DMPolicy string

const (
	DMAllow DMPolicy = "allow"
	DMDeny  DMPolicy = "deny"
)

// GroupPolicy controls whether group conversations are accepted at all.
type GroupPolicy string

const (
	GroupAllow GroupPolicy = "allow"
	GroupDeny  GroupPolicy = "deny"
)

// AllowFrom selects which identity sources may speak in a channel.
type AllowFrom string

const (
	AllowFromAny               AllowFrom = "any"
	AllowFromAllowlistOrPaired AllowFrom = "allowlist_or_pairing"
	AllowFromAllowlistOnly     AllowFrom = "allowlist_only"
)

// ChannelPolicy is one channel's rule set. Zero values decode to the
// defaults: dm allow, allowlist_or_pairing, group allow, no mention gate.
type ChannelPolicy struct {
	DMPolicy       DMPolicy    `json:"dmPolicy,omitempty"`
	AllowFrom      AllowFrom   `json:"allowFrom,omitempty"`
	GroupPolicy    GroupPolicy `json:"groupPolicy,omitempty"`
	RequireMention bool        `json:"requireMention,omitempty"`
}

func (p ChannelPolicy) normalized() ChannelPolicy {
	if p.DMPolicy == "" {
		p.DMPolicy = DMAllow
	}
	if p.AllowFrom == "" {
		p.AllowFrom = AllowFromAllowlistOrPaired
	}
	if p.GroupPolicy == "" {
		p.GroupPolicy = GroupAllow
	}
	return p
}

// isOpenDMCombo reports the risky open-door shape: DMs allowed from anyone.
func (p ChannelPolicy) isOpenDMCombo() bool {
	n := p.normalized()
	return n.DMPolicy == DMAllow && n.AllowFrom == AllowFromAny
}

// ChannelPolicyFile is the decoded channel-policy.json document.
type ChannelPolicyFile struct {
	SchemaVersion int                      `json:"schema_version"`
	StrictMode    bool                     `json:"strictMode,omitempty"`
	DefaultPolicy ChannelPolicy            `json:"defaultPolicy"`
	Channels      map[string]ChannelPolicy `json:"channels,omitempty"`
}

// DefaultChannelPolicyFile returns the document used when no file exists.
func DefaultChannelPolicyFile() *ChannelPolicyFile {
	return &ChannelPolicyFile{SchemaVersion: ChannelPolicySchemaVersion}
}

// ChannelPolicyPath returns the policy path under the security root.
func ChannelPolicyPath(securityDir string) string {
	return filepath.Join(securityDir, ChannelPolicyFileName)
}

// LoadChannelPolicyFile reads and validates the policy document. A missing
// file is the default policy; a malformed one is an error and the caller
// must fail closed.
func LoadChannelPolicyFile(path string) (*ChannelPolicyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultChannelPolicyFile(), nil
		}
		return nil, fmt.Errorf("read channel policy %s: %w", path, err)
	}
	var parsed ChannelPolicyFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse channel policy %s: %w", path, err)
	}
	if err := validateChannelPolicyFile(&parsed); err != nil {
		return nil, fmt.Errorf("validate channel policy %s: %w", path, err)
	}
	return &parsed, nil
}

func validateChannelPolicyFile(file *ChannelPolicyFile) error {
	if file.SchemaVersion != ChannelPolicySchemaVersion {
		return fmt.Errorf("unsupported channel policy schema_version %d (expected %d)",
			file.SchemaVersion, ChannelPolicySchemaVersion)
	}
	for key := range file.Channels {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("channel policy key must not be empty")
		}
	}
	return nil
}

// ConversationKind classifies a conversation as dm or group.
type ConversationKind string

const (
	ConversationDM    ConversationKind = "dm"
	ConversationGroup ConversationKind = "group"
)

// Decision is an allow or deny with a machine-readable reason code.
type Decision struct {
	Allow      bool   `json:"allow"`
	ReasonCode string `json:"reason_code"`
}

func allowDecision(reason string) Decision { return Decision{Allow: true, ReasonCode: reason} }
func denyDecision(reason string) Decision  { return Decision{Allow: false, ReasonCode: reason} }

// Status renders the decision as "allow" or "deny".
func (d Decision) Status() string {
	if d.Allow {
		return "allow"
	}
	return "deny"
}

// ChannelEvaluation is the channel-policy step of an access decision.
type ChannelEvaluation struct {
	PolicyChannel    string           `json:"policy_channel"`
	MatchedPolicyKey string           `json:"matched_policy_key"`
	Policy           ChannelPolicy    `json:"policy"`
	ConversationKind ConversationKind `json:"conversation_kind"`
	MentionPresent   bool             `json:"mention_present"`
	Decision         Decision         `json:"decision"`
}

// EvaluateChannelPolicy resolves the most specific policy for the event's
// channel and applies the dm/group/mention gates. Lookup tiers:
// "<transport>:<conversation>", "<transport>:*", "*", then defaultPolicy.
func EvaluateChannelPolicy(file *ChannelPolicyFile, event *contract.InboundEvent) ChannelEvaluation {
	policyChannel := event.PolicyChannel()
	transportWildcard := string(event.Transport) + ":*"

	matchedKey := "default"
	policy := file.DefaultPolicy
	if p, ok := file.Channels[policyChannel]; ok {
		matchedKey, policy = policyChannel, p
	} else if p, ok := file.Channels[transportWildcard]; ok {
		matchedKey, policy = transportWildcard, p
	} else if p, ok := file.Channels["*"]; ok {
		matchedKey, policy = "*", p
	}
	policy = policy.normalized()

	kind := DetectConversationKind(event)
	mention := DetectMentionPresent(event)

	var decision Decision
	switch kind {
	case ConversationDM:
		if policy.DMPolicy == DMDeny {
			decision = denyDecision(ReasonDenyDM)
		} else {
			decision = allowForAllowFrom(policy.AllowFrom)
		}
	default:
		switch {
		case policy.GroupPolicy == GroupDeny:
			decision = denyDecision(ReasonDenyGroup)
		case policy.RequireMention && !mention:
			decision = denyDecision(ReasonDenyMentionRequired)
		default:
			decision = allowForAllowFrom(policy.AllowFrom)
		}
	}

	return ChannelEvaluation{
		PolicyChannel:    policyChannel,
		MatchedPolicyKey: matchedKey,
		Policy:           policy,
		ConversationKind: kind,
		MentionPresent:   mention,
		Decision:         decision,
	}
}

// LoadErrorEvaluation is the fail-closed evaluation used when the policy
// file could not be loaded.
func LoadErrorEvaluation(event *contract.InboundEvent) ChannelEvaluation {
	eval := EvaluateChannelPolicy(DefaultChannelPolicyFile(), event)
	eval.MatchedPolicyKey = "policy_load_error"
	eval.Decision = denyDecision(ReasonDenyPolicyLoadError)
	return eval
}

// CollectOpenDMRiskChannels lists policy keys whose shape accepts DMs from
// anyone, including "default" when the default policy is open.
func CollectOpenDMRiskChannels(file *ChannelPolicyFile) []string {
	var channels []string
	if file.DefaultPolicy.isOpenDMCombo() {
		channels = append(channels, "default")
	}
	for key, policy := range file.Channels {
		if policy.isOpenDMCombo() {
			channels = append(channels, key)
		}
	}
	sort.Strings(channels)
	return channels
}

func allowForAllowFrom(allowFrom AllowFrom) Decision {
	switch allowFrom {
	case AllowFromAny:
		return allowDecision(ReasonAllowFromAny)
	case AllowFromAllowlistOnly:
		return allowDecision(ReasonAllowFromAllowOnly)
	default:
		return allowDecision(ReasonAllowFromAllowOrPair)
	}
}

// DetectConversationKind classifies the event's conversation. WhatsApp is
// always a DM; other transports rely on metadata hints and default to group.
func DetectConversationKind(event *contract.InboundEvent) ConversationKind {
	if event.Transport == contract.TransportWhatsApp {
		return ConversationDM
	}
	if metaStringMatches(event, "conversation_mode", "dm") {
		return ConversationDM
	}
	if metaStringMatches(event, "chat_type", "private", "dm", "direct") {
		return ConversationDM
	}
	if metaStringMatches(event, "channel_type", "dm", "private", "direct") {
		return ConversationDM
	}
	if event.MetaBool("is_dm") {
		return ConversationDM
	}
	return ConversationGroup
}

// DetectMentionPresent reports whether the event addresses the bot: commands
// count as mentions, as do metadata flags and inline @-style references.
func DetectMentionPresent(event *contract.InboundEvent) bool {
	if event.Kind == contract.KindCommand {
		return true
	}
	if event.MetaBool("mentions_bot") || event.MetaBool("mentioned") || event.MetaBool("mention") {
		return true
	}
	if event.MetaInt("mention_count") > 0 {
		return true
	}
	if event.MetaLen("mentions") > 0 {
		return true
	}
	text := strings.ToLower(event.Text)
	return strings.Contains(text, "@relaybot") || strings.Contains(text, "<@") || strings.Contains(text, "/relaybot")
}

func metaStringMatches(event *contract.InboundEvent, key string, accepted ...string) bool {
	normalized := strings.ToLower(strings.TrimSpace(event.MetaString(key)))
	if normalized == "" {
		return false
	}
	for _, candidate := range accepted {
		if normalized == candidate {
			return true
		}
	}
	return false
}
