package media

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

func eventWithAttachments(atts ...contract.Attachment) *contract.InboundEvent {
	return &contract.InboundEvent{
		SchemaVersion:  contract.SchemaVersion,
		Transport:      contract.TransportTelegram,
		Kind:           contract.KindMessage,
		EventID:        "m1",
		ConversationID: "chat-1",
		ActorID:        "u1",
		Attachments:    atts,
	}
}

func TestClassifyKind(t *testing.T) {
	tests := []struct {
		name string
		att  contract.Attachment
		want Kind
	}{
		{
			name: "content type wins over extension",
			att:  contract.Attachment{ContentType: "audio/ogg", FileName: "clip.mp4"},
			want: KindAudio,
		},
		{
			name: "image by file extension",
			att:  contract.Attachment{FileName: "photo.JPG"},
			want: KindImage,
		},
		{
			name: "video by url extension with query",
			att:  contract.Attachment{URL: "https://cdn.example.com/v/demo.webm?sig=abc"},
			want: KindVideo,
		},
		{
			name: "unknown extension",
			att:  contract.Attachment{FileName: "notes.txt"},
			want: KindUnsupported,
		},
		{
			name: "no extension",
			att:  contract.Attachment{URL: "https://cdn.example.com/blob"},
			want: KindUnsupported,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyKind(tt.att); got != tt.want {
				t.Errorf("ClassifyKind(%+v) = %q, want %q", tt.att, got, tt.want)
			}
		})
	}
}

func TestProcessDisabled(t *testing.T) {
	event := eventWithAttachments(contract.Attachment{AttachmentID: "a1", URL: "x.png"})
	report := Process(event, Config{Enabled: false, MaxAttachmentsPerEvent: 4, MaxSummaryChars: 280})

	if report.Skipped != 1 || report.Processed != 0 {
		t.Fatalf("skipped=%d processed=%d, want 1/0", report.Skipped, report.Processed)
	}
	if got := report.Outcomes[0].ReasonCode; got != ReasonUnderstandingDisabled {
		t.Errorf("reason = %q, want %q", got, ReasonUnderstandingDisabled)
	}
}

func TestProcessDuplicateAndLimit(t *testing.T) {
	event := eventWithAttachments(
		contract.Attachment{AttachmentID: "a1", URL: "https://x/one.png"},
		contract.Attachment{AttachmentID: "a1", URL: "HTTPS://X/ONE.PNG"},
		contract.Attachment{AttachmentID: "a2", URL: "https://x/two.png"},
		contract.Attachment{AttachmentID: "a3", URL: "https://x/three.png"},
	)
	report := Process(event, Config{Enabled: true, MaxAttachmentsPerEvent: 2, MaxSummaryChars: 280})

	if report.Processed != 2 {
		t.Fatalf("processed = %d, want 2", report.Processed)
	}
	if got := report.Outcomes[1].ReasonCode; got != ReasonDuplicateAttachment {
		t.Errorf("outcome[1] reason = %q, want %q", got, ReasonDuplicateAttachment)
	}
	if got := report.Outcomes[3].ReasonCode; got != ReasonAttachmentLimitExceeded {
		t.Errorf("outcome[3] reason = %q, want %q", got, ReasonAttachmentLimitExceeded)
	}
}

func TestProcessSuccessReasonCodes(t *testing.T) {
	event := eventWithAttachments(
		contract.Attachment{AttachmentID: "img", FileName: "p.png", URL: "https://x/p.png"},
		contract.Attachment{AttachmentID: "aud", FileName: "v.ogg", URL: "https://x/v.ogg"},
		contract.Attachment{AttachmentID: "vid", FileName: "m.mp4", URL: "https://x/m.mp4"},
		contract.Attachment{AttachmentID: "doc", FileName: "d.pdf", URL: "https://x/d.pdf"},
	)
	report := Process(event, DefaultConfig())

	wantReasons := []string{
		ReasonImageDescribed,
		ReasonAudioTranscribed,
		ReasonVideoSummarized,
		ReasonUnsupportedAttachment,
	}
	for i, want := range wantReasons {
		if got := report.Outcomes[i].ReasonCode; got != want {
			t.Errorf("outcome[%d] reason = %q, want %q", i, got, want)
		}
	}
	if report.Processed != 3 || report.Skipped != 1 {
		t.Errorf("processed=%d skipped=%d, want 3/1", report.Processed, report.Skipped)
	}
}

type failingProvider struct{}

func (failingProvider) DescribeImage(att contract.Attachment) (string, error) {
	return "", &ProviderError{ReasonCode: "media_provider_error", Detail: "backend down", Retryable: true}
}
func (failingProvider) TranscribeAudio(att contract.Attachment) (string, error) {
	return "", &ProviderError{ReasonCode: "media_provider_error", Detail: "backend down", Retryable: true}
}
func (failingProvider) SummarizeVideo(att contract.Attachment) (string, error) {
	return "", &ProviderError{ReasonCode: "media_provider_error", Detail: "backend down", Retryable: true}
}

func TestProcessProviderFailure(t *testing.T) {
	event := eventWithAttachments(contract.Attachment{AttachmentID: "a1", FileName: "p.png", URL: "https://x/p.png"})
	report := ProcessWithProvider(event, DefaultConfig(), failingProvider{})

	if report.Failed != 1 {
		t.Fatalf("failed = %d, want 1", report.Failed)
	}
	outcome := report.Outcomes[0]
	if outcome.Decision != DecisionFailed || !outcome.Retryable {
		t.Errorf("outcome = %+v, want failed retryable", outcome)
	}
}

func TestTruncateSummary(t *testing.T) {
	long := strings.Repeat("x", 100)
	got, truncated := truncateSummary(long, 20)
	if !truncated {
		t.Fatal("expected truncation")
	}
	if len([]rune(got)) != 22 {
		// 19 kept runes plus "..."
		t.Errorf("truncated length = %d, want 22", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated summary %q does not end with ellipsis", got)
	}
}

func TestRenderPromptContext(t *testing.T) {
	event := eventWithAttachments(contract.Attachment{AttachmentID: "a1", FileName: "p.png", URL: "https://x/p.png"})
	report := Process(event, DefaultConfig())

	context := RenderPromptContext(report)
	if !strings.HasPrefix(context, "Media understanding outcomes:") {
		t.Fatalf("context missing header: %q", context)
	}
	if !strings.Contains(context, "attachment_id=a1") || !strings.Contains(context, "reason_code="+ReasonImageDescribed) {
		t.Errorf("context missing outcome fields: %q", context)
	}

	if got := RenderPromptContext(&Report{}); got != "" {
		t.Errorf("empty report context = %q, want empty", got)
	}
}
