package proxy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vizbridge/vizbridge/internal/domain"
	"github.com/vizbridge/vizbridge/internal/metrics"
	"github.com/vizbridge/vizbridge/internal/upstream"
)

// Limits applied to what gets forwarded upstream. Oversized input is cut
// down, never rejected; the fallback generator always sees the original.
const (
	maxQuestionChars = 500
	maxColumns       = 20
	maxSampleRows    = 5
)

// exchangeProfile is the step budget for one conversational exchange. The
// fast profile fits inside the 9s outer deadline of the script, frame and
// beacon methods; the stream profile uses the roomier 14s stream deadline to
// buy one extra, slower poll.
type exchangeProfile struct {
	createTimeout time.Duration
	postTimeout   time.Duration
	pollTimeout   time.Duration
	pollInterval  time.Duration
	pollAttempts  int
}

var (
	fastProfile = exchangeProfile{
		createTimeout: 2 * time.Second,
		postTimeout:   2 * time.Second,
		pollTimeout:   time.Second,
		pollInterval:  800 * time.Millisecond,
		pollAttempts:  3,
	}
	streamProfile = exchangeProfile{
		createTimeout: 2500 * time.Millisecond,
		postTimeout:   2500 * time.Millisecond,
		pollTimeout:   1500 * time.Millisecond,
		pollInterval:  1200 * time.Millisecond,
		pollAttempts:  4,
	}
)

// exchange runs the three-call conversation: create, post, poll until a
// reply shows up or the attempt budget runs out. Poll errors consume an
// attempt and move on; only the surrounding context ends the loop early.
func (h *Handler) exchange(ctx context.Context, client UpstreamClient, text string, p exchangeProfile) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, p.createTimeout)
	session, err := client.CreateConversation(cctx)
	cancel()
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("create").Inc()
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, p.postTimeout)
	err = client.PostMessage(pctx, session, text)
	cancel()
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("post").Inc()
		return "", fmt.Errorf("failed to post message: %w", err)
	}

	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()

	for attempt := 0; attempt < p.pollAttempts; attempt++ {
		if attempt > 0 {
			timer.Reset(p.pollInterval)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}

		lctx, cancel := context.WithTimeout(ctx, p.pollTimeout)
		replies, err := client.ListReplies(lctx, session)
		cancel()
		if err != nil {
			metrics.UpstreamErrors.WithLabelValues("poll").Inc()
			continue
		}
		if len(replies) > 0 {
			return replies[0].Text, nil
		}
	}

	metrics.UpstreamErrors.WithLabelValues("no_reply").Inc()
	return "", upstream.ErrNoReply
}

// truncateForUpstream trims the question and context to the forwarding
// limits. The DataContext is a value; shortening its slices here does not
// touch the caller's copy.
func truncateForUpstream(question string, data domain.DataContext) (string, domain.DataContext) {
	if runes := []rune(question); len(runes) > maxQuestionChars {
		question = string(runes[:maxQuestionChars])
	}
	if len(data.Columns) > maxColumns {
		data.Columns = data.Columns[:maxColumns]
	}
	if len(data.SampleRows) > maxSampleRows {
		data.SampleRows = data.SampleRows[:maxSampleRows]
	}
	return question, data
}

// composeMessage glues the question to a context digest trimmed to the token
// budget, which keeps the upstream payload bounded no matter how wide the
// host's dataset is.
func (h *Handler) composeMessage(question string, data domain.DataContext, budget int) string {
	digest := contextDigest(data)
	if digest == "" {
		return question
	}
	if budget > 0 {
		// Truncation is best effort; a tokenizer load failure leaves the
		// digest whole.
		if trimmed, err := h.est.Truncate(digest, budget); err == nil {
			digest = trimmed
		}
	}
	return question + "\n\n" + digest
}

// contextDigest renders the data context as a compact single block the
// assistant can ground its answer on.
func contextDigest(data domain.DataContext) string {
	if !data.HasData {
		return ""
	}

	var b strings.Builder
	b.WriteString("Data context:")
	if data.ReportTitle != "" {
		fmt.Fprintf(&b, " report %q,", data.ReportTitle)
	}
	if data.FileName != "" {
		fmt.Fprintf(&b, " file %q,", data.FileName)
	}
	fmt.Fprintf(&b, " %d rows.", data.RowCount)

	if len(data.Columns) > 0 {
		b.WriteString(" Columns:")
		for i, col := range data.Columns {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, " %s (%s)", col.Name, col.Kind)
		}
		b.WriteString(".")
	}

	if len(data.SampleRows) > 0 {
		b.WriteString(" Sample:")
		for i, row := range data.SampleRows {
			if i > 0 {
				b.WriteString(" |")
			}
			for _, col := range data.Columns {
				v, ok := row[col.Name]
				if !ok {
					continue
				}
				fmt.Fprintf(&b, " %s=%v", col.Name, v)
			}
		}
	}

	return b.String()
}
