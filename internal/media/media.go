// Package media runs the bounded media-understanding step over an event's
// attachments. Every attachment gets exactly one outcome with a reason code;
// the runtime and logs consume the codes for diagnostics.
package media

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

// Reason codes recorded on media outcomes.
const (
	ReasonUnderstandingDisabled   = "media_understanding_disabled"
	ReasonDuplicateAttachment     = "media_duplicate_attachment"
	ReasonAttachmentLimitExceeded = "media_attachment_limit_exceeded"
	ReasonUnsupportedAttachment   = "media_unsupported_attachment_type"
	ReasonProviderError           = "media_provider_error"
	ReasonImageDescribed          = "media_image_described"
	ReasonAudioTranscribed        = "media_audio_transcribed"
	ReasonVideoSummarized         = "media_video_summarized"
)

var (
	imageExtensions = []string{"png", "jpg", "jpeg", "gif", "bmp", "webp", "tif", "tiff"}
	audioExtensions = []string{"mp3", "wav", "m4a", "ogg", "flac", "aac", "opus"}
	videoExtensions = []string{"mp4", "mov", "m4v", "avi", "mkv", "webm"}
)

// Config bounds the understanding step.
type Config struct {
	Enabled                bool `json:"enabled"`
	MaxAttachmentsPerEvent int  `json:"max_attachments_per_event"`
	MaxSummaryChars        int  `json:"max_summary_chars"`
}

// DefaultConfig returns the understanding defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		MaxAttachmentsPerEvent: 4,
		MaxSummaryChars:        280,
	}
}

// Decision is the terminal state of one attachment.
type Decision string

const (
	DecisionProcessed Decision = "processed"
	DecisionSkipped   Decision = "skipped"
	DecisionFailed    Decision = "failed"
)

// Kind classifies an attachment's media type.
type Kind string

const (
	KindImage       Kind = "image"
	KindAudio       Kind = "audio"
	KindVideo       Kind = "video"
	KindUnsupported Kind = "unsupported"
)

func (k Kind) operation() string {
	switch k {
	case KindImage:
		return "describe"
	case KindAudio:
		return "transcribe"
	case KindVideo:
		return "summarize"
	default:
		return "none"
	}
}

func (k Kind) successReasonCode() string {
	switch k {
	case KindImage:
		return ReasonImageDescribed
	case KindAudio:
		return ReasonAudioTranscribed
	case KindVideo:
		return ReasonVideoSummarized
	default:
		return ReasonUnsupportedAttachment
	}
}

// Outcome records the result for one attachment.
type Outcome struct {
	AttachmentID string   `json:"attachment_id"`
	Decision     Decision `json:"decision"`
	ReasonCode   string   `json:"reason_code"`
	MediaKind    Kind     `json:"media_kind"`
	Operation    string   `json:"operation"`
	ContentType  string   `json:"content_type"`
	FileName     string   `json:"file_name"`
	SizeBytes    int64    `json:"size_bytes"`
	URL          string   `json:"url"`
	Summary      string   `json:"summary,omitempty"`
	SummaryChars int      `json:"summary_chars"`
	Truncated    bool     `json:"truncated"`
	Retryable    bool     `json:"retryable"`
	Detail       string   `json:"detail,omitempty"`
}

// Report aggregates the outcomes for one event.
type Report struct {
	Processed          int            `json:"processed"`
	Skipped            int            `json:"skipped"`
	Failed             int            `json:"failed"`
	TruncatedSummaries int            `json:"truncated_summaries"`
	Outcomes           []Outcome      `json:"outcomes"`
	ReasonCodeCounts   map[string]int `json:"reason_code_counts"`
}

// ProviderError is returned by providers when an understanding call fails.
type ProviderError struct {
	ReasonCode string
	Detail     string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("media provider failed: reason_code=%s detail=%s", e.ReasonCode, e.Detail)
}

// Provider produces summaries for supported media kinds.
type Provider interface {
	DescribeImage(att contract.Attachment) (string, error)
	TranscribeAudio(att contract.Attachment) (string, error)
	SummarizeVideo(att contract.Attachment) (string, error)
}

// DeterministicProvider summarizes from attachment metadata alone, with no
// network calls. Output is stable for a given attachment.
type DeterministicProvider struct{}

func (DeterministicProvider) DescribeImage(att contract.Attachment) (string, error) {
	return fmt.Sprintf(
		"Image '%s' described from metadata (content_type='%s', size_bytes=%d, source='%s').",
		displayName(att), normalizedContentType(att), att.SizeBytes, strings.TrimSpace(att.URL)), nil
}

func (DeterministicProvider) TranscribeAudio(att contract.Attachment) (string, error) {
	return fmt.Sprintf(
		"Audio '%s' transcribed from metadata envelope (content_type='%s', size_bytes=%d, source='%s').",
		displayName(att), normalizedContentType(att), att.SizeBytes, strings.TrimSpace(att.URL)), nil
}

func (DeterministicProvider) SummarizeVideo(att contract.Attachment) (string, error) {
	return fmt.Sprintf(
		"Video '%s' summarized from metadata envelope (content_type='%s', size_bytes=%d, source='%s').",
		displayName(att), normalizedContentType(att), att.SizeBytes, strings.TrimSpace(att.URL)), nil
}

// Process runs the understanding step with the deterministic provider.
func Process(event *contract.InboundEvent, cfg Config) *Report {
	return ProcessWithProvider(event, cfg, DeterministicProvider{})
}

// ProcessWithProvider runs the understanding step over an event's attachments.
// Duplicates (same id and case-folded url) are skipped, the candidate count is
// capped, and provider failures become failed outcomes rather than errors.
func ProcessWithProvider(event *contract.InboundEvent, cfg Config, provider Provider) *Report {
	report := &Report{ReasonCodeCounts: make(map[string]int)}
	if len(event.Attachments) == 0 {
		return report
	}

	maxAttachments := cfg.MaxAttachmentsPerEvent
	if maxAttachments < 1 {
		maxAttachments = 1
	}
	maxSummaryChars := cfg.MaxSummaryChars
	if maxSummaryChars < 16 {
		maxSummaryChars = 16
	}

	seen := make(map[string]struct{})
	candidates := 0
	for _, att := range event.Attachments {
		identity := strings.TrimSpace(att.AttachmentID) + ":" + strings.ToLower(strings.TrimSpace(att.URL))
		kind := ClassifyKind(att)
		outcome := baseOutcome(att, kind)

		if !cfg.Enabled {
			outcome.Decision = DecisionSkipped
			outcome.ReasonCode = ReasonUnderstandingDisabled
			report.push(outcome)
			continue
		}
		if _, dup := seen[identity]; dup {
			outcome.Decision = DecisionSkipped
			outcome.ReasonCode = ReasonDuplicateAttachment
			report.push(outcome)
			continue
		}
		seen[identity] = struct{}{}

		if candidates >= maxAttachments {
			outcome.Decision = DecisionSkipped
			outcome.ReasonCode = ReasonAttachmentLimitExceeded
			report.push(outcome)
			continue
		}
		candidates++

		if kind == KindUnsupported {
			outcome.Decision = DecisionSkipped
			outcome.ReasonCode = ReasonUnsupportedAttachment
			report.push(outcome)
			continue
		}

		summary, err := runProvider(provider, att, kind)
		if err != nil {
			outcome.Decision = DecisionFailed
			outcome.ReasonCode = ReasonProviderError
			if pe, ok := err.(*ProviderError); ok {
				if code := strings.TrimSpace(pe.ReasonCode); code != "" {
					outcome.ReasonCode = code
				}
				outcome.Retryable = pe.Retryable
				outcome.Detail = strings.TrimSpace(pe.Detail)
			} else {
				outcome.Detail = err.Error()
			}
			report.push(outcome)
			continue
		}

		bounded, truncated := truncateSummary(summary, maxSummaryChars)
		outcome.Decision = DecisionProcessed
		outcome.ReasonCode = kind.successReasonCode()
		outcome.Summary = bounded
		outcome.SummaryChars = len([]rune(bounded))
		outcome.Truncated = truncated
		if truncated {
			report.TruncatedSummaries++
		}
		report.push(outcome)
	}
	return report
}

// RenderPromptContext renders the report as deterministic context lines for
// the responder prompt. Returns "" when there were no attachments.
func RenderPromptContext(report *Report) string {
	if report == nil || len(report.Outcomes) == 0 {
		return ""
	}
	lines := make([]string, 0, len(report.Outcomes)+1)
	lines = append(lines, "Media understanding outcomes:")
	for _, outcome := range report.Outcomes {
		var b strings.Builder
		fmt.Fprintf(&b, "- attachment_id=%s decision=%s media_kind=%s operation=%s reason_code=%s",
			outcome.AttachmentID, outcome.Decision, outcome.MediaKind, outcome.Operation, outcome.ReasonCode)
		if outcome.Summary != "" {
			fmt.Fprintf(&b, " summary=%s", inlineText(outcome.Summary))
		}
		if outcome.Retryable {
			b.WriteString(" retryable=true")
		}
		if outcome.Detail != "" {
			fmt.Fprintf(&b, " detail=%s", inlineText(outcome.Detail))
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n")
}

func (r *Report) push(outcome Outcome) {
	switch outcome.Decision {
	case DecisionProcessed:
		r.Processed++
	case DecisionSkipped:
		r.Skipped++
	case DecisionFailed:
		r.Failed++
	}
	r.ReasonCodeCounts[outcome.ReasonCode]++
	r.Outcomes = append(r.Outcomes, outcome)
}

func baseOutcome(att contract.Attachment, kind Kind) Outcome {
	return Outcome{
		AttachmentID: strings.TrimSpace(att.AttachmentID),
		Decision:     DecisionSkipped,
		MediaKind:    kind,
		Operation:    kind.operation(),
		ContentType:  strings.TrimSpace(att.ContentType),
		FileName:     strings.TrimSpace(att.FileName),
		SizeBytes:    att.SizeBytes,
		URL:          strings.TrimSpace(att.URL),
	}
}

func runProvider(provider Provider, att contract.Attachment, kind Kind) (string, error) {
	switch kind {
	case KindImage:
		return provider.DescribeImage(att)
	case KindAudio:
		return provider.TranscribeAudio(att)
	case KindVideo:
		return provider.SummarizeVideo(att)
	default:
		return "", &ProviderError{ReasonCode: ReasonUnsupportedAttachment, Detail: "unsupported attachment type"}
	}
}

// ClassifyKind detects the media kind from the content type prefix, falling
// back to the file-name or URL extension.
func ClassifyKind(att contract.Attachment) Kind {
	contentType := strings.ToLower(strings.TrimSpace(att.ContentType))
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return KindImage
	case strings.HasPrefix(contentType, "audio/"):
		return KindAudio
	case strings.HasPrefix(contentType, "video/"):
		return KindVideo
	}

	ext := attachmentExtension(att)
	if ext == "" {
		return KindUnsupported
	}
	switch {
	case contains(imageExtensions, ext):
		return KindImage
	case contains(audioExtensions, ext):
		return KindAudio
	case contains(videoExtensions, ext):
		return KindVideo
	}
	return KindUnsupported
}

func attachmentExtension(att contract.Attachment) string {
	if ext := extractExtension(att.FileName); ext != "" {
		return ext
	}
	return extractExtension(att.URL)
}

func extractExtension(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	// Strip URL fragment and query before looking at the path tail.
	if i := strings.IndexByte(trimmed, '#'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	i := strings.LastIndexByte(trimmed, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(trimmed[i+1:]))
}

func displayName(att contract.Attachment) string {
	if name := strings.TrimSpace(att.FileName); name != "" {
		return name
	}
	tail := strings.TrimSpace(att.URL)
	if i := strings.IndexByte(tail, '#'); i >= 0 {
		tail = tail[:i]
	}
	if i := strings.IndexByte(tail, '?'); i >= 0 {
		tail = tail[:i]
	}
	if i := strings.LastIndexByte(tail, '/'); i >= 0 {
		tail = tail[i+1:]
	}
	if tail = strings.TrimSpace(tail); tail != "" {
		return tail
	}
	return strings.TrimSpace(att.AttachmentID)
}

func normalizedContentType(att contract.Attachment) string {
	if ct := strings.TrimSpace(att.ContentType); ct != "" {
		return ct
	}
	return "unknown"
}

func truncateSummary(summary string, maxChars int) (string, bool) {
	normalized := strings.ReplaceAll(strings.TrimSpace(summary), "\n", " ")
	runes := []rune(normalized)
	if len(runes) <= maxChars {
		return normalized, false
	}
	keep := maxChars - 1
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + "...", true
}

func inlineText(raw string) string {
	return strings.ReplaceAll(strings.TrimSpace(raw), "\n", " ")
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
