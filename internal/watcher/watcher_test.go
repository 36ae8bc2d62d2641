package watcher

import (
	"context"
	"os"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/kubefreezer/kubefreezer/internal/config"
	"github.com/kubefreezer/kubefreezer/internal/history"
	"github.com/kubefreezer/kubefreezer/internal/observability"
	"github.com/kubefreezer/kubefreezer/internal/schedule"
)

// TestMain disables the client-go WatchListClient feature (defaulted on
// in k8s.io/client-go v0.35+) before any test constructs an informer:
// fake.NewSimpleClientset's watch implementation doesn't support the
// streaming list semantics that feature requires, which otherwise hangs
// SharedIndexInformer's initial sync forever.
func TestMain(m *testing.M) {
	os.Setenv("KUBE_FEATURE_WatchListClient", "false")
	os.Exit(m.Run())
}

func newTestWatcher() (*Watcher, *fake.Clientset) {
	client := fake.NewSimpleClientset()
	w := &Watcher{
		Client:                client,
		Namespace:             "kubefreezer",
		ConfigMapName:         "kubefreezer-config",
		ScheduleConfigMapName: "kubefreezer-schedules",
		HistoryConfigMapName:  "kubefreezer-history",
		Config:                config.NewCache(),
		Schedules:             schedule.NewEngine(),
		History:               history.NewRecorder(50),
		Log:                   observability.NewDevelopmentLogger(),
	}
	return w, client
}

func TestWatcher_LoadsExistingConfigMapsOnStart(t *testing.T) {
	g := NewWithT(t)
	w, client := newTestWatcher()

	_, err := client.CoreV1().ConfigMaps(w.Namespace).Create(context.Background(), &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: w.ConfigMapName, Namespace: w.Namespace},
		Data: map[string]string{
			"freeze_enabled": "true",
			"freeze_message": "frozen for launch",
		},
	}, metav1.CreateOptions{})
	g.Expect(err).ToNot(HaveOccurred())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = w.Start(ctx)
	}()

	g.Eventually(func() bool { return w.Ready() }, 2*time.Second, 10*time.Millisecond).Should(BeTrue())
	g.Eventually(func() bool { return w.Config.Snapshot().FreezeEnabled }, 2*time.Second, 10*time.Millisecond).Should(BeTrue())
	g.Expect(w.Config.Snapshot().FreezeMessage).To(Equal("frozen for launch"))
}

func TestWatcher_MissingConfigMapsInstallDefaults(t *testing.T) {
	g := NewWithT(t)
	w, _ := newTestWatcher()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = w.Start(ctx)
	}()

	g.Eventually(func() bool { return w.Ready() }, 2*time.Second, 10*time.Millisecond).Should(BeTrue())
	g.Expect(w.Config.Snapshot().FreezeEnabled).To(BeFalse())
	g.Expect(w.Schedules.List()).To(BeEmpty())
}

func TestWatcher_ScheduleDeleteRevertsToEmpty(t *testing.T) {
	g := NewWithT(t)
	w, client := newTestWatcher()

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: w.ScheduleConfigMapName, Namespace: w.Namespace},
		Data:       map[string]string{"schedules.json": `[{"name":"nightly","cron":"0 2 * * *","timezone":"UTC"}]`},
	}
	_, err := client.CoreV1().ConfigMaps(w.Namespace).Create(context.Background(), cm, metav1.CreateOptions{})
	g.Expect(err).ToNot(HaveOccurred())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	g.Eventually(func() []schedule.Schedule { return w.Schedules.List() }, 2*time.Second, 10*time.Millisecond).Should(HaveLen(1))

	g.Expect(client.CoreV1().ConfigMaps(w.Namespace).Delete(context.Background(), w.ScheduleConfigMapName, metav1.DeleteOptions{})).To(Succeed())

	g.Eventually(func() []schedule.Schedule { return w.Schedules.List() }, 2*time.Second, 10*time.Millisecond).Should(BeEmpty())
}

func TestWatcher_MisconfiguredScheduleRecordsHistoryWarning(t *testing.T) {
	g := NewWithT(t)
	w, client := newTestWatcher()

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: w.ScheduleConfigMapName, Namespace: w.Namespace},
		Data:       map[string]string{"schedules.json": `[{"name":"broken"}]`},
	}
	_, err := client.CoreV1().ConfigMaps(w.Namespace).Create(context.Background(), cm, metav1.CreateOptions{})
	g.Expect(err).ToNot(HaveOccurred())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	g.Eventually(func() []schedule.Schedule { return w.Schedules.List() }, 2*time.Second, 10*time.Millisecond).Should(HaveLen(1))
	g.Expect(w.Schedules.Warnings()).To(ConsistOf("broken"))

	g.Eventually(func() []history.Event {
		return w.History.List(0, history.Filter{EventType: history.EventConfigInvalid})
	}, 2*time.Second, 10*time.Millisecond).Should(ContainElement(HaveField("ResourceName", "broken")))
}

func TestWatcher_IdenticalConfigPayloadIsIdempotent(t *testing.T) {
	g := NewWithT(t)
	w, client := newTestWatcher()

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: w.ConfigMapName, Namespace: w.Namespace},
		Data:       map[string]string{"freeze_enabled": "false"},
	}
	_, err := client.CoreV1().ConfigMaps(w.Namespace).Create(context.Background(), cm, metav1.CreateOptions{})
	g.Expect(err).ToNot(HaveOccurred())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	g.Eventually(func() bool { return w.Ready() }, 2*time.Second, 10*time.Millisecond).Should(BeTrue())

	before := w.History.Len()
	cm.ResourceVersion = ""
	_, err = client.CoreV1().ConfigMaps(w.Namespace).Update(context.Background(), cm, metav1.UpdateOptions{})
	g.Expect(err).ToNot(HaveOccurred())

	g.Consistently(func() int { return w.History.Len() }, 300*time.Millisecond, 20*time.Millisecond).Should(Equal(before))
}
