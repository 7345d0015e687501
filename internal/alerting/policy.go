package alerting

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avlonitis/vigil/internal/clock"
	"github.com/avlonitis/vigil/internal/config"
)

// Suppression reasons returned by the policy.
const (
	SuppressDisabled      = "disabled"
	SuppressNonActionable = "non_actionable"
	SuppressNoChannels    = "no_channels"
	SuppressDedupe        = "dedupe"
	SuppressCooldown      = "cooldown"
)

// Decision is the policy's verdict for one alert.
type Decision struct {
	Authorized     bool
	SuppressReason string
	Channels       []string
	Message        string
}

// Fingerprint derives the dedupe fingerprint from reason, severity, and
// trimmed summary.
func Fingerprint(reason, severity, summary string) string {
	return reason + "|" + severity + "|" + strings.TrimSpace(summary)
}

// Policy decides whether an alert is worth sending and where. Dedupe markers
// are in-memory; losing them on restart just allows one extra send.
type Policy struct {
	cfg   config.AlertsConfig
	clock clock.Clock

	mu       sync.Mutex
	lastSeen map[string]time.Time // dedupeKey|fingerprint -> arrival of last authorized send
	lastSent map[string]time.Time // dedupeKey -> last authorized send
}

// NewPolicy creates an alert policy.
func NewPolicy(cfg config.AlertsConfig, clk clock.Clock) *Policy {
	return &Policy{
		cfg:      cfg,
		clock:    clk,
		lastSeen: map[string]time.Time{},
		lastSent: map[string]time.Time{},
	}
}

// Evaluate applies the suppression rules in order. Markers update only when
// the send is authorized, so a suppressed alert never extends its own window.
func (p *Policy) Evaluate(in CreateInput) Decision {
	if !p.cfg.Enabled {
		return Decision{SuppressReason: SuppressDisabled}
	}
	if !p.actionable(in.Reason) {
		return Decision{SuppressReason: SuppressNonActionable}
	}

	channels := p.channelsFor(in.Severity)
	if len(channels) == 0 {
		return Decision{SuppressReason: SuppressNoChannels}
	}

	now := p.clock.Now()
	fp := in.DedupeKey + "|" + Fingerprint(in.Reason, in.Severity, in.Summary)

	p.mu.Lock()
	defer p.mu.Unlock()

	dedupeWindow := time.Duration(p.cfg.DedupeWindowSeconds) * time.Second
	if seen, ok := p.lastSeen[fp]; ok && now.Sub(seen) < dedupeWindow {
		return Decision{SuppressReason: SuppressDedupe}
	}

	cooldown := time.Duration(p.cfg.CooldownSeconds) * time.Second
	if sent, ok := p.lastSent[in.DedupeKey]; ok && now.Sub(sent) < cooldown {
		return Decision{SuppressReason: SuppressCooldown}
	}

	p.lastSeen[fp] = now
	p.lastSent[in.DedupeKey] = now

	return Decision{
		Authorized: true,
		Channels:   channels,
		Message:    renderMessage(in),
	}
}

func (p *Policy) actionable(reason string) bool {
	for _, r := range p.cfg.ActionableReasons {
		if r == reason {
			return true
		}
	}
	return false
}

// channelsFor resolves destinations: per-severity channels take precedence
// over the default list.
func (p *Policy) channelsFor(severity string) []string {
	if chans, ok := p.cfg.SeverityChannels[severity]; ok && len(chans) > 0 {
		return chans
	}
	return p.cfg.DefaultChannels
}

func renderMessage(in CreateInput) string {
	msg := fmt.Sprintf("[%s] %s: %s", strings.ToUpper(in.Severity), in.Reason,
		strings.TrimSpace(in.Summary))
	if in.Message != "" {
		msg += "\n" + in.Message
	}
	return msg
}
