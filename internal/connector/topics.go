package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/callpulse/callpulse/internal/clock"
	"github.com/callpulse/callpulse/internal/config"
	"github.com/callpulse/callpulse/internal/sink"
)

const (
	discoveryPageSize = 100
	discoveryMaxPages = 50
)

// QueueTopic is the notification topic for call events on one queue.
func QueueTopic(queueID string) string {
	return fmt.Sprintf("v2.routing.queues.%s.conversations.calls", queueID)
}

// UserTopic is the notification topic for call events on one user.
func UserTopic(userID string) string {
	return fmt.Sprintf("v2.users.%s.conversations.calls", userID)
}

// QueueInfo identifies one discovered routing queue.
type QueueInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserInfo identifies one discovered active user.
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// BuilderPreview describes one discovery run of the topic builder.
type BuilderPreview struct {
	Mode        string      `json:"mode"`
	GeneratedAt string      `json:"generated_at,omitempty"`
	Topics      []string    `json:"topics"`
	Queues      []QueueInfo `json:"queues"`
	Users       []UserInfo  `json:"users"`
}

// Preview is the merged topic set the connector subscribes with: manual
// topics from configuration plus whatever the builder discovered.
type Preview struct {
	Topics           []string       `json:"topics"`
	ManualTopicCount int            `json:"manual_topic_count"`
	PresetTopicCount int            `json:"preset_topic_count"`
	Builder          BuilderPreview `json:"builder"`
}

// TopicBuilder assembles the subscription topic list. Discovery results
// are cached for the configured refresh window so reconnect cycles do not
// hammer the directory endpoints.
type TopicBuilder struct {
	cfg     config.Connector
	api     *sink.Client
	apiBase string
	auth    sink.HeaderFunc
	clk     clock.Clock
	log     *slog.Logger

	mu          sync.Mutex
	cached      *BuilderPreview
	lastRefresh time.Time
}

// NewTopicBuilder creates a TopicBuilder. auth supplies the bearer header
// for discovery requests.
func NewTopicBuilder(cfg config.Connector, api *sink.Client, auth sink.HeaderFunc, clk clock.Clock, log *slog.Logger) *TopicBuilder {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = slog.Default()
	}
	return &TopicBuilder{
		cfg:     cfg,
		api:     api,
		apiBase: trimBaseURL(cfg.APIBaseURL),
		auth:    auth,
		clk:     clk,
		log:     log,
	}
}

// Preview returns the merged topic set. refresh forces a new discovery
// run even when the cache is still fresh.
func (b *TopicBuilder) Preview(ctx context.Context, refresh bool) (Preview, error) {
	manual := b.manualTopics()
	builder, err := b.presetTopics(ctx, refresh)
	if err != nil {
		return Preview{}, err
	}

	seen := make(map[string]bool, len(manual)+len(builder.Topics))
	merged := make([]string, 0, len(manual)+len(builder.Topics))
	for _, topic := range append(append([]string{}, manual...), builder.Topics...) {
		if topic == "" || seen[topic] {
			continue
		}
		seen[topic] = true
		merged = append(merged, topic)
	}
	sort.Strings(merged)

	return Preview{
		Topics:           merged,
		ManualTopicCount: len(manual),
		PresetTopicCount: len(builder.Topics),
		Builder:          builder,
	}, nil
}

func (b *TopicBuilder) manualTopics() []string {
	set := make(map[string]bool)
	for _, topic := range b.cfg.SubscriptionTopics {
		if topic = strings.TrimSpace(topic); topic != "" {
			set[topic] = true
		}
	}
	for _, id := range b.cfg.QueueIDs {
		if id = strings.TrimSpace(id); id != "" {
			set[QueueTopic(id)] = true
		}
	}
	for _, id := range b.cfg.UserIDs {
		if id = strings.TrimSpace(id); id != "" {
			set[UserTopic(id)] = true
		}
	}
	topics := make([]string, 0, len(set))
	for topic := range set {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (b *TopicBuilder) presetTopics(ctx context.Context, refresh bool) (BuilderPreview, error) {
	mode := strings.ToLower(strings.TrimSpace(b.cfg.TopicBuilder.Mode))
	if mode == "" || mode == "manual" || mode == "off" {
		return BuilderPreview{Mode: mode, Topics: []string{}}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !refresh && b.cached != nil &&
		b.clk.Since(b.lastRefresh) < time.Duration(b.cfg.TopicBuilder.RefreshSeconds)*time.Second {
		return *b.cached, nil
	}

	includeQueues := mode == "queues" || mode == "queues_users" || mode == "all"
	includeUsers := mode == "users" || mode == "queues_users" || mode == "all"

	preview := BuilderPreview{Mode: mode, Topics: []string{}}
	set := make(map[string]bool)

	if includeQueues {
		queues, err := b.discoverQueues(ctx)
		if err != nil {
			return BuilderPreview{}, err
		}
		preview.Queues = queues
		for _, q := range queues {
			set[QueueTopic(q.ID)] = true
		}
	}
	if includeUsers {
		users, err := b.discoverUsers(ctx)
		if err != nil {
			return BuilderPreview{}, err
		}
		preview.Users = users
		for _, u := range users {
			set[UserTopic(u.ID)] = true
		}
	}

	for topic := range set {
		preview.Topics = append(preview.Topics, topic)
	}
	sort.Strings(preview.Topics)
	preview.GeneratedAt = b.clk.Now().UTC().Format(time.RFC3339)

	b.cached = &preview
	b.lastRefresh = b.clk.Now()
	b.log.Info("topic builder refreshed",
		"mode", mode, "queues", len(preview.Queues), "users", len(preview.Users), "topics", len(preview.Topics))
	return preview, nil
}

func (b *TopicBuilder) discoverQueues(ctx context.Context) ([]QueueInfo, error) {
	maxItems := b.cfg.TopicBuilder.MaxQueues
	if maxItems <= 0 {
		return nil, nil
	}
	filters := lowerFilters(b.cfg.TopicBuilder.QueueNameFilters)

	var discovered []QueueInfo
	for page := 1; page <= discoveryMaxPages; page++ {
		var resp struct {
			Entities  []QueueInfo `json:"entities"`
			PageCount int         `json:"pageCount"`
		}
		if err := b.api.DoJSON(ctx, http.MethodGet, b.pageURL("/api/v2/routing/queues", page, nil), b.auth, nil, &resp); err != nil {
			return nil, fmt.Errorf("connector: discover queues: %w", err)
		}
		if len(resp.Entities) == 0 {
			break
		}
		for _, q := range resp.Entities {
			if q.ID == "" || q.Name == "" {
				continue
			}
			if !matchesAny(strings.ToLower(q.Name), filters) {
				continue
			}
			discovered = append(discovered, q)
			if len(discovered) >= maxItems {
				return discovered, nil
			}
		}
		if (resp.PageCount > 0 && page >= resp.PageCount) || len(resp.Entities) < discoveryPageSize {
			break
		}
	}
	return discovered, nil
}

func (b *TopicBuilder) discoverUsers(ctx context.Context) ([]UserInfo, error) {
	maxItems := b.cfg.TopicBuilder.MaxUsers
	if maxItems <= 0 {
		return nil, nil
	}
	filters := lowerFilters(b.cfg.TopicBuilder.UserEmailFilters)

	var discovered []UserInfo
	for page := 1; page <= discoveryMaxPages; page++ {
		var resp struct {
			Entities  []UserInfo `json:"entities"`
			PageCount int        `json:"pageCount"`
		}
		params := url.Values{"state": {"active"}}
		if err := b.api.DoJSON(ctx, http.MethodGet, b.pageURL("/api/v2/users", page, params), b.auth, nil, &resp); err != nil {
			return nil, fmt.Errorf("connector: discover users: %w", err)
		}
		if len(resp.Entities) == 0 {
			break
		}
		for _, u := range resp.Entities {
			if u.ID == "" {
				continue
			}
			if !matchesAny(strings.ToLower(u.Email), filters) {
				continue
			}
			discovered = append(discovered, u)
			if len(discovered) >= maxItems {
				return discovered, nil
			}
		}
		if (resp.PageCount > 0 && page >= resp.PageCount) || len(resp.Entities) < discoveryPageSize {
			break
		}
	}
	return discovered, nil
}

func (b *TopicBuilder) pageURL(path string, page int, extra url.Values) string {
	params := url.Values{}
	for k, vs := range extra {
		params[k] = vs
	}
	params.Set("pageSize", fmt.Sprintf("%d", discoveryPageSize))
	params.Set("pageNumber", fmt.Sprintf("%d", page))
	return b.apiBase + path + "?" + params.Encode()
}

func lowerFilters(filters []string) []string {
	out := make([]string, 0, len(filters))
	for _, f := range filters {
		if f = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(f, "@"))); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// matchesAny reports whether value contains one of the filter substrings.
// An empty filter list matches everything.
func matchesAny(value string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.Contains(value, f) {
			return true
		}
	}
	return false
}

func trimBaseURL(base string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/")
}
