// Package notify delivers run summaries to Slack. Delivery is best
// effort: a failed post never fails the run that produced it.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/hazelfield/linkrot/internal/crawl"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// Notifier posts run summaries to a single Slack channel.
type Notifier struct {
	client  *slack.Client
	channel string
}

// NewNotifier creates a Slack notifier. Returns nil when token or
// channel is empty, which callers treat as notifications disabled.
func NewNotifier(token, channel string) *Notifier {
	if token == "" || channel == "" {
		return nil
	}
	return &Notifier{
		client:  slack.New(token),
		channel: channel,
	}
}

// RunComplete posts a summary of a finished crawl run.
func (n *Notifier) RunComplete(ctx context.Context, domain string, m *crawl.Metrics) error {
	blocks := buildRunBlocks(domain, m)
	fallback := fmt.Sprintf("Link check complete: %s (%d broken links)", domain, m.BrokenLinks)

	_, _, err := n.client.PostMessageContext(
		ctx,
		n.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallback, false),
	)
	if err != nil {
		return fmt.Errorf("failed to post run summary to Slack: %w", err)
	}

	log.Info().
		Str("run_id", m.RunID).
		Str("channel", n.channel).
		Msg("Run summary posted to Slack")
	return nil
}

func buildRunBlocks(domain string, m *crawl.Metrics) []slack.Block {
	emoji := ":white_check_mark:"
	switch {
	case m.State == crawl.StateFailed:
		emoji = ":x:"
	case m.Degraded || m.BrokenLinks > 0 || m.LoginLeaks > 0:
		emoji = ":warning:"
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(
				"mrkdwn",
				fmt.Sprintf("%s *Link check complete: %s*", emoji, domain),
				false,
				false,
			),
			nil,
			nil,
		),
	}

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Pages crawled:*\n%d", m.PagesCrawled), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Links checked:*\n%d", m.LinksChecked), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Broken links:*\n%d", m.BrokenLinks), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Login leaks:*\n%d", m.LoginLeaks), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Pages with violations:*\n%d", m.PagesWithViolations), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Duration:*\n%s", formatDuration(m.Duration())), false, false),
	}
	blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))

	if m.Degraded {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", ":warning: Run was degraded, results may be incomplete.", false, false),
			nil,
			nil,
		))
	}

	blocks = append(blocks, slack.NewContextBlock(
		"",
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Run `%s`", m.RunID), false, false),
	))

	return blocks
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "N/A"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
