// Package routing resolves inbound events to execution routes and session
// keys. Resolution is deterministic: bindings match in declaration order and
// the session key for an event never changes across retries.
package routing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RouteBindingsSchemaVersion is the supported route-bindings.json schema.
const RouteBindingsSchemaVersion = 1

// RouteBindingsFileName is the bindings file name under the security dir.
const RouteBindingsFileName = "route-bindings.json"

// WildcardSelector matches any value in a binding selector field.
const WildcardSelector = "*"

// Phase is the execution phase a route targets.
type Phase string

const (
	PhasePlanner       Phase = "planner"
	PhaseReview        Phase = "review"
	PhaseDelegatedStep Phase = "delegated_step"
)

// ParsePhase validates a phase string from a bindings file.
func ParsePhase(raw string) (Phase, error) {
	switch Phase(strings.ToLower(strings.TrimSpace(raw))) {
	case PhasePlanner:
		return PhasePlanner, nil
	case PhaseReview:
		return PhaseReview, nil
	case PhaseDelegatedStep:
		return PhaseDelegatedStep, nil
	}
	return "", fmt.Errorf("unsupported route phase %q", raw)
}

// Binding maps event selectors to a route. Selectors are literal values or
// the "*" wildcard; embedded wildcards are rejected at load time.
type Binding struct {
	BindingID          string `json:"binding_id"`
	Transport          string `json:"transport,omitempty"`
	AccountID          string `json:"account_id,omitempty"`
	ConversationID     string `json:"conversation_id,omitempty"`
	ActorID            string `json:"actor_id,omitempty"`
	Phase              Phase  `json:"phase,omitempty"`
	CategoryHint       string `json:"category_hint,omitempty"`
	SessionKeyTemplate string `json:"session_key_template,omitempty"`
}

// BindingsFile is the decoded route-bindings.json document.
type BindingsFile struct {
	SchemaVersion int       `json:"schema_version"`
	Bindings      []Binding `json:"bindings"`
}

// DefaultBindingsFile returns the empty bindings document.
func DefaultBindingsFile() *BindingsFile {
	return &BindingsFile{SchemaVersion: RouteBindingsSchemaVersion}
}

// BindingsPath returns the bindings path under the security root.
func BindingsPath(securityDir string) string {
	return filepath.Join(securityDir, RouteBindingsFileName)
}

// LoadBindingsFile reads and validates the bindings document. A missing file
// is an empty binding set.
func LoadBindingsFile(path string) (*BindingsFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultBindingsFile(), nil
		}
		return nil, fmt.Errorf("read route bindings %s: %w", path, err)
	}
	parsed, err := ParseBindings(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid route bindings %s: %w", path, err)
	}
	return parsed, nil
}

// ParseBindings decodes and normalizes a bindings document.
func ParseBindings(raw []byte) (*BindingsFile, error) {
	var parsed BindingsFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse route bindings: %w", err)
	}
	if parsed.SchemaVersion == 0 {
		parsed.SchemaVersion = RouteBindingsSchemaVersion
	}
	if err := normalizeBindings(&parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func normalizeBindings(file *BindingsFile) error {
	if file.SchemaVersion != RouteBindingsSchemaVersion {
		return fmt.Errorf("unsupported route bindings schema_version %d (expected %d)",
			file.SchemaVersion, RouteBindingsSchemaVersion)
	}
	seen := make(map[string]struct{}, len(file.Bindings))
	for i := range file.Bindings {
		binding := &file.Bindings[i]
		binding.BindingID = strings.TrimSpace(binding.BindingID)
		if binding.BindingID == "" {
			return fmt.Errorf("binding_id cannot be empty")
		}
		if _, dup := seen[binding.BindingID]; dup {
			return fmt.Errorf("duplicate binding_id %q", binding.BindingID)
		}
		seen[binding.BindingID] = struct{}{}

		var err error
		if binding.Transport, err = normalizeSelector(binding.Transport, true); err != nil {
			return fmt.Errorf("binding %q: %w", binding.BindingID, err)
		}
		if binding.AccountID, err = normalizeSelector(binding.AccountID, false); err != nil {
			return fmt.Errorf("binding %q: %w", binding.BindingID, err)
		}
		if binding.ConversationID, err = normalizeSelector(binding.ConversationID, false); err != nil {
			return fmt.Errorf("binding %q: %w", binding.BindingID, err)
		}
		if binding.ActorID, err = normalizeSelector(binding.ActorID, false); err != nil {
			return fmt.Errorf("binding %q: %w", binding.BindingID, err)
		}
		if binding.Phase != "" {
			phase, err := ParsePhase(string(binding.Phase))
			if err != nil {
				return fmt.Errorf("binding %q: %w", binding.BindingID, err)
			}
			binding.Phase = phase
		}
		binding.CategoryHint = strings.TrimSpace(binding.CategoryHint)
		binding.SessionKeyTemplate = strings.TrimSpace(binding.SessionKeyTemplate)
	}
	return nil
}

// normalizeSelector trims a selector and rejects embedded wildcards. Empty
// selectors default to the wildcard; transports are case-insensitive.
func normalizeSelector(raw string, lowercase bool) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" || normalized == WildcardSelector {
		return WildcardSelector, nil
	}
	if strings.Contains(normalized, WildcardSelector) {
		return "", fmt.Errorf("selector %q is invalid; only a bare '*' wildcard is supported", normalized)
	}
	if lowercase {
		normalized = strings.ToLower(normalized)
	}
	return normalized, nil
}

func selectorMatches(selector, value string) bool {
	return selector == WildcardSelector || selector == value
}
