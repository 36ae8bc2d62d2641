// Package watcher implements the config watcher: it subscribes to
// ConfigMap change notifications and atomically installs parsed state
// into the config cache and schedule engine. Payload parsing covers
// string-to-bool, newline-to-set, and RFC3339-to-instant conversions,
// plus decoding schedule entries into the tagged schedule.Kind variant.
package watcher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kubefreezer/kubefreezer/internal/config"
	"github.com/kubefreezer/kubefreezer/internal/history"
	"github.com/kubefreezer/kubefreezer/internal/kferrors"
	"github.com/kubefreezer/kubefreezer/internal/schedule"
)

// Recognized config object keys.
const (
	keyFreezeEnabled          = "freeze_enabled"
	keyFreezeUntil            = "freeze_until"
	keyFreezeMessage          = "freeze_message"
	keyBypassAnnotationKey    = "bypass_annotation_key"
	keyBypassReasonKey        = "bypass_reason_key"
	keyBypassAllowedUsers     = "bypass_allowed_users"
	keyBypassAllowedGroups    = "bypass_allowed_groups"
	keyBypassExemptNamespaces = "bypass_exempt_namespaces"
	keyMonitoredResources     = "monitored_resources"
	keyFailClosed             = "fail_closed"
)

// ParseConfig turns a ConfigMap's string data into a Configuration,
// filling in Default() for any key that is absent.
func ParseConfig(data map[string]string) (config.Configuration, error) {
	cfg := config.Default()

	if v, ok := data[keyFreezeEnabled]; ok {
		cfg.FreezeEnabled = parseBool(v)
	}
	if v, ok := data[keyFreezeUntil]; ok && v != "" {
		t, err := parseInstant(v)
		if err != nil {
			return config.Configuration{}, fmt.Errorf("%w: freeze_until: %v", kferrors.ErrInvalidConfig, err)
		}
		cfg.FreezeUntil = &t
	}
	if v, ok := data[keyFreezeMessage]; ok && v != "" {
		cfg.FreezeMessage = v
	}
	if v, ok := data[keyBypassAnnotationKey]; ok && v != "" {
		cfg.BypassAnnotationKey = v
	}
	if v, ok := data[keyBypassReasonKey]; ok && v != "" {
		cfg.BypassReasonKey = v
	}
	if v, ok := data[keyBypassAllowedUsers]; ok {
		cfg.BypassAllowedUsers = parseSet(v)
	}
	if v, ok := data[keyBypassAllowedGroups]; ok {
		cfg.BypassAllowedGroups = parseSet(v)
	}
	if v, ok := data[keyBypassExemptNamespaces]; ok {
		cfg.BypassExemptNamespaces = parseSet(v)
	}
	if v, ok := data[keyMonitoredResources]; ok {
		cfg.MonitoredKinds = parseSet(v)
	}
	if v, ok := data[keyFailClosed]; ok {
		cfg.FailClosed = parseBool(v)
	} else {
		cfg.FailClosed = true
	}

	return cfg, nil
}

func parseBool(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

func parseSet(v string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, line := range strings.Split(v, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out[line] = struct{}{}
	}
	return out
}

// parseInstant parses an RFC 3339 timestamp, treating an unspecified
// zone as UTC.
func parseInstant(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	// Also accept the Z-suffix-and-offset-omitted shape and treat it as UTC.
	if t, err := time.Parse("2006-01-02T15:04:05", v); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid RFC3339 timestamp %q", v)
}

// rawSchedule is the wire shape of an entry in the schedules ConfigMap.
type rawSchedule struct {
	Name       string   `json:"name"`
	Start      string   `json:"start,omitempty"`
	End        string   `json:"end,omitempty"`
	Cron       string   `json:"cron,omitempty"`
	Timezone   string   `json:"timezone,omitempty"`
	Namespaces []string `json:"namespaces,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// ParseSchedules decodes the JSON array of schedules into a name-keyed
// map. A schedule that fails validation is skipped with its error
// collected rather than aborting the whole payload.
func ParseSchedules(raw []byte) (map[string]schedule.Schedule, []error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]schedule.Schedule{}, nil
	}

	var items []rawSchedule
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, []error{fmt.Errorf("%w: %v", kferrors.ErrInvalidConfig, err)}
	}

	out := make(map[string]schedule.Schedule, len(items))
	var errs []error
	for _, item := range items {
		var start, end *time.Time
		if item.Start != "" {
			t, err := parseInstant(item.Start)
			if err != nil {
				errs = append(errs, fmt.Errorf("schedule %q: start: %w", item.Name, err))
				continue
			}
			start = &t
		}
		if item.End != "" {
			t, err := parseInstant(item.End)
			if err != nil {
				errs = append(errs, fmt.Errorf("schedule %q: end: %w", item.Name, err))
				continue
			}
			end = &t
		}
		tz := item.Timezone
		if tz == "" {
			tz = "UTC"
		}
		s, err := schedule.New(item.Name, item.Message, item.Namespaces, start, end, item.Cron, tz)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[s.Name] = s
	}
	return out, errs
}

// rawHistoryEvent is the wire shape of an entry in the history ConfigMap.
type rawHistoryEvent struct {
	ID           string `json:"id"`
	EventType    string `json:"event_type"`
	Timestamp    string `json:"timestamp"`
	Reason       string `json:"reason"`
	TriggeredBy  string `json:"triggered_by"`
	Namespace    string `json:"namespace,omitempty"`
	ResourceName string `json:"resource_name,omitempty"`
}

// ParseHistory decodes the JSON array of history events for the
// recorder's optional startup rehydration.
func ParseHistory(raw []byte) ([]history.Event, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var items []rawHistoryEvent
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", kferrors.ErrInvalidConfig, err)
	}
	out := make([]history.Event, 0, len(items))
	for i, item := range items {
		ts, err := parseInstant(item.Timestamp)
		if err != nil {
			ts = time.Time{}
		}
		out = append(out, history.Event{
			ID:           item.ID,
			Timestamp:    ts,
			Sequence:     uint64(i + 1),
			EventType:    history.EventType(item.EventType),
			Reason:       item.Reason,
			TriggeredBy:  item.TriggeredBy,
			Namespace:    item.Namespace,
			ResourceName: item.ResourceName,
		})
	}
	return out, nil
}

// configEqual reports whether two Configurations are field-for-field
// identical, so a repeated identical payload produces no observable
// change.
func configEqual(a, b config.Configuration) bool {
	if a.FreezeEnabled != b.FreezeEnabled || a.FreezeMessage != b.FreezeMessage || a.FailClosed != b.FailClosed {
		return false
	}
	if a.BypassAnnotationKey != b.BypassAnnotationKey || a.BypassReasonKey != b.BypassReasonKey {
		return false
	}
	if !timePtrEqual(a.FreezeUntil, b.FreezeUntil) {
		return false
	}
	if !setEqual(a.BypassAllowedUsers, b.BypassAllowedUsers) ||
		!setEqual(a.BypassAllowedGroups, b.BypassAllowedGroups) ||
		!setEqual(a.BypassExemptNamespaces, b.BypassExemptNamespaces) ||
		!setEqual(a.MonitoredKinds, b.MonitoredKinds) {
		return false
	}
	return true
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Equal(*b)
}

func setEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func schedulesEqual(a, b map[string]schedule.Schedule) bool {
	if len(a) != len(b) {
		return false
	}
	for name, sa := range a {
		sb, ok := b[name]
		if !ok {
			return false
		}
		if sa.Message != sb.Message || sa.Cron != sb.Cron || sa.TZ != sb.TZ || sa.Kind != sb.Kind {
			return false
		}
		if !timePtrEqual(sa.Start, sb.Start) || !timePtrEqual(sa.End, sb.End) {
			return false
		}
		if !setEqual(sa.Namespaces, sb.Namespaces) {
			return false
		}
	}
	return true
}
