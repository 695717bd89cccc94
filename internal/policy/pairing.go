package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Pairing and allowlist schema versions.
const (
	PairingSchemaVersion   = 1
	AllowlistSchemaVersion = 1
)

// Pairing access reason codes.
const (
	ReasonAllowPermissiveMode      = "allow_permissive_mode"
	ReasonAllowAllowlist           = "allow_allowlist"
	ReasonAllowPairing             = "allow_pairing"
	ReasonAllowAllowlistAndPairing = "allow_allowlist_and_pairing"
	ReasonDenyActorIDMissing       = "deny_actor_id_missing"
	ReasonDenyActorNotPaired       = "deny_actor_not_paired_or_allowlisted"
	ReasonDenyEvaluationError      = "deny_policy_evaluation_error"
)

// PairingRecord grants one actor access to one channel, optionally expiring.
type PairingRecord struct {
	Channel      string `json:"channel"`
	ActorID      string `json:"actor_id"`
	PairedBy     string `json:"paired_by"`
	IssuedUnixMS int64  `json:"issued_unix_ms"`
	// ExpiresUnixMS of 0 means the pairing never expires.
	ExpiresUnixMS int64 `json:"expires_unix_ms,omitempty"`
}

func (r PairingRecord) expired(nowUnixMS int64) bool {
	return r.ExpiresUnixMS != 0 && r.ExpiresUnixMS <= nowUnixMS
}

// PairingRegistryFile is the decoded pairings.json document.
type PairingRegistryFile struct {
	SchemaVersion int             `json:"schema_version"`
	Pairings      []PairingRecord `json:"pairings"`
}

// AllowlistFile is the decoded allowlist.json document. Channel keys map to
// actor id lists; the strict flag forces enforcement for every channel.
type AllowlistFile struct {
	SchemaVersion int                 `json:"schema_version"`
	Strict        bool                `json:"strict,omitempty"`
	Channels      map[string][]string `json:"channels,omitempty"`
}

// PairingConfig locates the pairing state and controls strict enforcement.
type PairingConfig struct {
	RegistryPath  string
	AllowlistPath string
	StrictMode    bool
}

// PairingConfigForSecurityDir builds the standard pairing paths under the
// security root.
func PairingConfigForSecurityDir(securityDir string) PairingConfig {
	return PairingConfig{
		RegistryPath:  filepath.Join(securityDir, "pairings.json"),
		AllowlistPath: filepath.Join(securityDir, "allowlist.json"),
	}
}

// EvaluatePairingAccess decides whether an actor may speak in a channel.
// Channels with no allowlist entries and no pairings run permissive unless
// strict mode is forced; once any rule exists for the channel (or its
// transport prefix, or the global wildcard) enforcement turns on.
func EvaluatePairingAccess(cfg PairingConfig, channel, actorID string, nowUnixMS int64) (Decision, error) {
	actorID = strings.TrimSpace(actorID)

	allowlist, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return Decision{}, err
	}
	registry, err := LoadPairingRegistry(cfg.RegistryPath)
	if err != nil {
		return Decision{}, err
	}

	candidates := channelCandidates(channel)
	strictEffective := cfg.StrictMode || allowlist.Strict ||
		channelHasPairingRules(allowlist, registry, candidates)
	if !strictEffective {
		return allowDecision(ReasonAllowPermissiveMode), nil
	}
	if actorID == "" {
		return denyDecision(ReasonDenyActorIDMissing), nil
	}

	byAllowlist := allowlistActorAllowed(allowlist, candidates, actorID)
	byPairing := pairingActorAllowed(registry, candidates, actorID, nowUnixMS)
	switch {
	case byAllowlist && byPairing:
		return allowDecision(ReasonAllowAllowlistAndPairing), nil
	case byAllowlist:
		return allowDecision(ReasonAllowAllowlist), nil
	case byPairing:
		return allowDecision(ReasonAllowPairing), nil
	}
	return denyDecision(ReasonDenyActorNotPaired), nil
}

// channelCandidates lists the keys a channel matches against, most specific
// first: the full channel, its transport prefix, then the global wildcard.
func channelCandidates(channel string) []string {
	trimmed := strings.TrimSpace(channel)
	if trimmed == "" {
		return []string{"*"}
	}
	candidates := []string{trimmed}
	if prefix, _, ok := strings.Cut(trimmed, ":"); ok && prefix != "" {
		candidates = append(candidates, prefix)
	}
	return append(candidates, "*")
}

func channelHasPairingRules(allowlist *AllowlistFile, registry *PairingRegistryFile, candidates []string) bool {
	for _, candidate := range candidates {
		if len(allowlist.Channels[candidate]) > 0 {
			return true
		}
	}
	for _, entry := range registry.Pairings {
		for _, candidate := range candidates {
			if entry.Channel == candidate {
				return true
			}
		}
	}
	return false
}

func allowlistActorAllowed(allowlist *AllowlistFile, candidates []string, actorID string) bool {
	for _, candidate := range candidates {
		for _, actor := range allowlist.Channels[candidate] {
			if strings.EqualFold(strings.TrimSpace(actor), actorID) {
				return true
			}
		}
	}
	return false
}

func pairingActorAllowed(registry *PairingRegistryFile, candidates []string, actorID string, nowUnixMS int64) bool {
	for _, entry := range registry.Pairings {
		if entry.expired(nowUnixMS) || !strings.EqualFold(entry.ActorID, actorID) {
			continue
		}
		for _, candidate := range candidates {
			if entry.Channel == candidate {
				return true
			}
		}
	}
	return false
}

// LoadPairingRegistry reads pairings.json; a missing file is an empty
// registry.
func LoadPairingRegistry(path string) (*PairingRegistryFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PairingRegistryFile{SchemaVersion: PairingSchemaVersion}, nil
		}
		return nil, fmt.Errorf("read pairing registry %s: %w", path, err)
	}
	var parsed PairingRegistryFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse pairing registry %s: %w", path, err)
	}
	if parsed.SchemaVersion != PairingSchemaVersion {
		return nil, fmt.Errorf("unsupported pairing schema_version %d in %s (expected %d)",
			parsed.SchemaVersion, path, PairingSchemaVersion)
	}
	return &parsed, nil
}

// SavePairingRegistry writes the registry atomically via a temp file rename.
func SavePairingRegistry(path string, registry *PairingRegistryFile) error {
	payload, err := json.MarshalIndent(registry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pairing registry: %w", err)
	}
	payload = append(payload, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pairing registry dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write pairing registry %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace pairing registry %s: %w", path, err)
	}
	return nil
}

// LoadAllowlist reads allowlist.json; a missing file is an empty allowlist.
func LoadAllowlist(path string) (*AllowlistFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AllowlistFile{SchemaVersion: AllowlistSchemaVersion}, nil
		}
		return nil, fmt.Errorf("read allowlist %s: %w", path, err)
	}
	var parsed AllowlistFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse allowlist %s: %w", path, err)
	}
	if parsed.SchemaVersion != AllowlistSchemaVersion {
		return nil, fmt.Errorf("unsupported allowlist schema_version %d in %s (expected %d)",
			parsed.SchemaVersion, path, AllowlistSchemaVersion)
	}
	return &parsed, nil
}

// AddPairing upserts a pairing record and persists the registry. A ttl of 0
// never expires. Existing records for the same channel and actor are
// replaced.
func AddPairing(cfg PairingConfig, channel, actorID, pairedBy string, ttlSeconds int64, nowUnixMS int64) (PairingRecord, error) {
	channel = strings.TrimSpace(channel)
	actorID = strings.TrimSpace(actorID)
	if channel == "" || actorID == "" {
		return PairingRecord{}, fmt.Errorf("pairing requires a channel and an actor id")
	}
	if ttlSeconds < 0 {
		return PairingRecord{}, fmt.Errorf("pairing ttl must not be negative")
	}

	registry, err := LoadPairingRegistry(cfg.RegistryPath)
	if err != nil {
		return PairingRecord{}, err
	}
	kept := registry.Pairings[:0]
	for _, entry := range registry.Pairings {
		if entry.Channel != channel || entry.ActorID != actorID {
			kept = append(kept, entry)
		}
	}
	record := PairingRecord{
		Channel:      channel,
		ActorID:      actorID,
		PairedBy:     strings.TrimSpace(pairedBy),
		IssuedUnixMS: nowUnixMS,
	}
	if ttlSeconds > 0 {
		record.ExpiresUnixMS = nowUnixMS + ttlSeconds*1000
	}
	registry.Pairings = append(kept, record)
	sort.Slice(registry.Pairings, func(i, j int) bool {
		left, right := registry.Pairings[i], registry.Pairings[j]
		if left.Channel != right.Channel {
			return left.Channel < right.Channel
		}
		return left.ActorID < right.ActorID
	})
	if err := SavePairingRegistry(cfg.RegistryPath, registry); err != nil {
		return PairingRecord{}, err
	}
	return record, nil
}

// RemovePairing deletes matching records and reports how many were removed.
func RemovePairing(cfg PairingConfig, channel, actorID string) (int, error) {
	registry, err := LoadPairingRegistry(cfg.RegistryPath)
	if err != nil {
		return 0, err
	}
	before := len(registry.Pairings)
	kept := registry.Pairings[:0]
	for _, entry := range registry.Pairings {
		if entry.Channel != channel || entry.ActorID != actorID {
			kept = append(kept, entry)
		}
	}
	registry.Pairings = kept
	removed := before - len(registry.Pairings)
	if removed > 0 {
		if err := SavePairingRegistry(cfg.RegistryPath, registry); err != nil {
			return 0, err
		}
	}
	return removed, nil
}

// PairingStatusRow is one pairing line in the status listing.
type PairingStatusRow struct {
	Channel       string `json:"channel"`
	ActorID       string `json:"actor_id"`
	Status        string `json:"status"`
	PairedBy      string `json:"paired_by"`
	IssuedUnixMS  int64  `json:"issued_unix_ms"`
	ExpiresUnixMS int64  `json:"expires_unix_ms,omitempty"`
}

// PairingStatus summarizes the pairing and allowlist state for operators.
type PairingStatus struct {
	StrictMode      bool                `json:"strict_mode"`
	StrictAllowlist bool                `json:"strict_allowlist"`
	Allowlist       map[string][]string `json:"allowlist"`
	Pairings        []PairingStatusRow  `json:"pairings"`
}

// CollectPairingStatus loads the state behind the pair status listing,
// optionally filtered by channel and actor.
func CollectPairingStatus(cfg PairingConfig, channelFilter, actorFilter string, nowUnixMS int64) (*PairingStatus, error) {
	registry, err := LoadPairingRegistry(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}
	allowlist, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, err
	}

	status := &PairingStatus{
		StrictMode:      cfg.StrictMode,
		StrictAllowlist: allowlist.Strict,
		Allowlist:       make(map[string][]string),
	}
	for channel, actors := range allowlist.Channels {
		if channelFilter != "" && channel != channelFilter {
			continue
		}
		var matched []string
		for _, actor := range actors {
			if actorFilter == "" || actor == actorFilter {
				matched = append(matched, actor)
			}
		}
		if len(matched) > 0 {
			sort.Strings(matched)
			status.Allowlist[channel] = matched
		}
	}
	for _, entry := range registry.Pairings {
		if channelFilter != "" && entry.Channel != channelFilter {
			continue
		}
		if actorFilter != "" && entry.ActorID != actorFilter {
			continue
		}
		state := "active"
		if entry.expired(nowUnixMS) {
			state = "expired"
		}
		status.Pairings = append(status.Pairings, PairingStatusRow{
			Channel:       entry.Channel,
			ActorID:       entry.ActorID,
			Status:        state,
			PairedBy:      entry.PairedBy,
			IssuedUnixMS:  entry.IssuedUnixMS,
			ExpiresUnixMS: entry.ExpiresUnixMS,
		})
	}
	sort.Slice(status.Pairings, func(i, j int) bool {
		left, right := status.Pairings[i], status.Pairings[j]
		if left.Channel != right.Channel {
			return left.Channel < right.Channel
		}
		return left.ActorID < right.ActorID
	})
	return status, nil
}
