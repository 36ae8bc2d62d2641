package watcher

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/kubefreezer/kubefreezer/internal/schedule"
)

func TestParseConfig_DefaultsAndOverrides(t *testing.T) {
	g := NewWithT(t)
	cfg, err := ParseConfig(map[string]string{
		"freeze_enabled":            "true",
		"freeze_message":            "hold",
		"bypass_allowed_users":      "alice\nbob\n",
		"bypass_exempt_namespaces":  "kube-system\n# comment\n",
		"monitored_resources":       "Deployment\nStatefulSet",
		"fail_closed":               "false",
	})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(cfg.FreezeEnabled).To(BeTrue())
	g.Expect(cfg.FreezeMessage).To(Equal("hold"))
	g.Expect(cfg.BypassAllowedUsers).To(HaveKey("alice"))
	g.Expect(cfg.BypassAllowedUsers).To(HaveKey("bob"))
	g.Expect(cfg.BypassExemptNamespaces).To(HaveKey("kube-system"))
	g.Expect(cfg.BypassExemptNamespaces).ToNot(HaveKey("# comment"))
	g.Expect(cfg.MonitoredKinds).To(HaveKey("StatefulSet"))
	g.Expect(cfg.FailClosed).To(BeFalse())
}

func TestParseConfig_InvalidFreezeUntil(t *testing.T) {
	g := NewWithT(t)
	_, err := ParseConfig(map[string]string{"freeze_until": "not-a-timestamp"})
	g.Expect(err).To(HaveOccurred())
}

func TestParseConfig_MissingKeysUseDefaults(t *testing.T) {
	g := NewWithT(t)
	cfg, err := ParseConfig(map[string]string{})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(cfg.FailClosed).To(BeTrue())
	g.Expect(cfg.MonitoredKinds).To(HaveKey("Deployment"))
}

func TestParseSchedules_SkipsInvalidEntriesButKeepsRest(t *testing.T) {
	g := NewWithT(t)
	raw := []byte(`[
		{"name": "good", "cron": "0 2 * * *", "timezone": "UTC"},
		{"name": "bad", "start": "not-a-time"}
	]`)
	schedules, errs := ParseSchedules(raw)
	g.Expect(schedules).To(HaveKey("good"))
	g.Expect(schedules).ToNot(HaveKey("bad"))
	g.Expect(errs).To(HaveLen(1))
	g.Expect(schedules["good"].Kind).To(Equal(schedule.KindRecurring))
}

func TestParseSchedules_MalformedJSONReturnsNilMap(t *testing.T) {
	g := NewWithT(t)
	schedules, errs := ParseSchedules([]byte("not json"))
	g.Expect(schedules).To(BeNil())
	g.Expect(errs).To(HaveLen(1))
}

func TestParseSchedules_EmptyPayloadIsEmptySet(t *testing.T) {
	g := NewWithT(t)
	schedules, errs := ParseSchedules([]byte(""))
	g.Expect(errs).To(BeEmpty())
	g.Expect(schedules).To(BeEmpty())
}

func TestParseHistory_DecodesEvents(t *testing.T) {
	g := NewWithT(t)
	raw := []byte(`[{"id":"1","event_type":"FREEZE_ENABLED","timestamp":"2026-03-01T00:00:00Z","reason":"holiday"}]`)
	events, err := ParseHistory(raw)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(events).To(HaveLen(1))
	g.Expect(events[0].Reason).To(Equal("holiday"))
}
