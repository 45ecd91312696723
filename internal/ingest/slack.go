package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// SlackFetcher downloads a channel export (a JSON array of messages) and
// renders it as a transcript.
type SlackFetcher struct {
	Client *http.Client
}

type slackMessage struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
	UserName string `json:"user_name"`
	Profile  struct {
		RealName string `json:"real_name"`
	} `json:"user_profile"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

func (m slackMessage) author() string {
	switch {
	case m.Profile.RealName != "":
		return m.Profile.RealName
	case m.UserName != "":
		return m.UserName
	case m.User != "":
		return m.User
	}
	return "unknown"
}

func (m slackMessage) time() time.Time {
	sec, err := strconv.ParseFloat(m.TS, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

func (f *SlackFetcher) Fetch(ctx context.Context, sourceURL string) (*Raw, error) {
	raw, err := httpGet(ctx, f.Client, sourceURL, "application/json")
	if err != nil {
		return nil, err
	}
	raw.ContentType = "application/json"
	return raw, nil
}

// skippedSubtypes are membership and housekeeping events.
var skippedSubtypes = []string{"channel_join", "channel_leave", "channel_purpose", "channel_topic", "bot_add", "bot_remove"}

func (f *SlackFetcher) Convert(_ context.Context, name string, raw *Raw) (*Document, error) {
	var messages []slackMessage
	if err := json.Unmarshal(raw.Data, &messages); err != nil {
		return nil, fmt.Errorf("%w: invalid slack export: %v", ErrUnsupported, err)
	}

	messages = slices.DeleteFunc(messages, func(m slackMessage) bool {
		return strings.TrimSpace(m.Text) == "" || slices.Contains(skippedSubtypes, m.Subtype)
	})
	slices.SortStableFunc(messages, func(a, b slackMessage) int {
		return a.time().Compare(b.time())
	})

	title := "Slack: " + name
	var sb strings.Builder
	sb.WriteString("# " + title + "\n\n")

	day := ""
	for _, m := range messages {
		ts := m.time()
		if d := ts.Format(time.DateOnly); d != day {
			day = d
			sb.WriteString("## " + day + "\n\n")
		}
		prefix := ""
		if m.ThreadTS != "" && m.ThreadTS != m.TS {
			prefix = "> "
		}
		fmt.Fprintf(&sb, "%s**%s** (%s): %s\n\n", prefix, m.author(), ts.Format("15:04"), strings.TrimSpace(m.Text))
	}
	return &Document{
		Title: title,
		Body:  sb.String(),
		Meta:  map[string]any{"messages": len(messages)},
	}, nil
}
