// Package watcher wires three independent ConfigMap watches
// (configuration, schedules, history) into the Config cache, Schedule
// engine, and History recorder without blocking the admission hot
// path, using the same cache.NewSharedIndexInformer +
// cache.ResourceEventHandlerFuncs + cache.WaitForCacheSync shape used
// throughout client-go controllers, against a plain clientset instead
// of a generated informer factory.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/kubefreezer/kubefreezer/internal/config"
	"github.com/kubefreezer/kubefreezer/internal/history"
	"github.com/kubefreezer/kubefreezer/internal/kferrors"
	"github.com/kubefreezer/kubefreezer/internal/observability"
	"github.com/kubefreezer/kubefreezer/internal/schedule"
)

// Watcher owns the three ConfigMap informers and the components they
// feed. It is the only writer of Config and Schedules.
type Watcher struct {
	Client    kubernetes.Interface
	Namespace string

	ConfigMapName         string
	ScheduleConfigMapName string
	HistoryConfigMapName  string

	Config    *config.Cache
	Schedules *schedule.Engine
	History   *history.Recorder
	Log       logr.Logger

	// InitialBackoff bounds the retry loop wrapped around each list call
	// of a ConfigMap informer (its initial list and any later relist).
	// Zero selects a default.
	InitialBackoff wait.Backoff

	ready sync.Map // configmap name -> struct{}, set once loaded

	mu            sync.Mutex
	lastConfig    config.Configuration
	haveConfig    bool
	lastSchedules map[string]schedule.Schedule
	haveSchedules bool

	readyAll atomic.Bool
}

func (w *Watcher) logger() logr.Logger {
	return w.Log
}

func (w *Watcher) backoff() wait.Backoff {
	if w.InitialBackoff.Steps > 0 {
		return w.InitialBackoff
	}
	return wait.Backoff{
		Duration: 500 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    8,
		Cap:      30 * time.Second,
	}
}

// Ready reports whether all three ConfigMaps have completed their first
// load (present or absent).
func (w *Watcher) Ready() bool {
	return w.readyAll.Load()
}

// Start builds and runs the three informers and blocks until all three
// have completed their initial synchronization, installing defaults for
// any ConfigMap that is absent; it then marks the watcher ready and
// returns nil. If ctx is canceled before the sync completes it returns
// an ErrStreamDisconnected error. The informers keep running until ctx
// is canceled. Callers that start it in the background can poll Ready()
// or use WaitForFirstLoad.
func (w *Watcher) Start(ctx context.Context) error {
	configInformer := w.newConfigMapInformer(w.ConfigMapName, w.applyConfig)
	scheduleInformer := w.newConfigMapInformer(w.ScheduleConfigMapName, w.applySchedules)
	historyInformer := w.newConfigMapInformer(w.HistoryConfigMapName, w.applyHistory)

	stopCh := ctx.Done()
	go configInformer.Run(stopCh)
	go scheduleInformer.Run(stopCh)
	go historyInformer.Run(stopCh)

	if !cache.WaitForCacheSync(stopCh, configInformer.HasSynced, scheduleInformer.HasSynced, historyInformer.HasSynced) {
		return fmt.Errorf("%w: informer cache sync interrupted", kferrors.ErrStreamDisconnected)
	}

	// A ConfigMap absent at first sync produces no Add event; treat
	// that as "loaded to defaults" rather than waiting forever.
	w.markSyncedIfAbsent(configInformer, w.ConfigMapName, func() { w.applyConfig(nil) })
	w.markSyncedIfAbsent(scheduleInformer, w.ScheduleConfigMapName, func() { w.applySchedules(nil) })
	w.markSyncedIfAbsent(historyInformer, w.HistoryConfigMapName, func() { w.applyHistory(nil) })

	w.readyAll.Store(true)
	return nil
}

func (w *Watcher) markSyncedIfAbsent(informer cache.SharedIndexInformer, name string, onAbsent func()) {
	if _, ok := w.ready.Load(name); ok {
		return
	}
	if _, exists, _ := informer.GetStore().GetByKey(w.Namespace + "/" + name); !exists {
		onAbsent()
	}
}

// WaitForFirstLoad blocks until all three ConfigMaps have completed
// their first apply, or ctx is done.
func (w *Watcher) WaitForFirstLoad(ctx context.Context) error {
	return wait.PollUntilContextCancel(ctx, 50*time.Millisecond, true, func(context.Context) (bool, error) {
		return w.Ready(), nil
	})
}

// newConfigMapInformer builds a SharedIndexInformer scoped to exactly
// one ConfigMap by name via a field selector.
func (w *Watcher) newConfigMapInformer(name string, apply func(*corev1.ConfigMap)) cache.SharedIndexInformer {
	selector := fields.OneTermEqualSelector("metadata.name", name).String()

	lw := &cache.ListWatch{
		ListFunc: func(options metav1.ListOptions) (runtime.Object, error) {
			options.FieldSelector = selector
			return w.retryList(name, options)
		},
		WatchFunc: func(options metav1.ListOptions) (watch.Interface, error) {
			options.FieldSelector = selector
			return w.Client.CoreV1().ConfigMaps(w.Namespace).Watch(context.Background(), options)
		},
	}

	informer := cache.NewSharedIndexInformer(lw, &corev1.ConfigMap{}, 0, cache.Indexers{})
	informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		// The field selector scopes the server-side list/watch, but a
		// fake or older apiserver may ignore it, so events are also
		// filtered client-side by name before touching any state.
		AddFunc: func(obj interface{}) {
			cm := obj.(*corev1.ConfigMap)
			if cm.Name != name {
				return
			}
			w.ready.Store(name, struct{}{})
			apply(cm)
		},
		UpdateFunc: func(_, obj interface{}) {
			cm := obj.(*corev1.ConfigMap)
			if cm.Name != name {
				return
			}
			w.ready.Store(name, struct{}{})
			apply(cm)
		},
		DeleteFunc: func(obj interface{}) {
			if cm, ok := obj.(*corev1.ConfigMap); ok && cm.Name != name {
				return
			}
			w.ready.Store(name, struct{}{})
			apply(nil)
		},
	})
	return informer
}

// retryList applies a bounded exponential backoff around each list
// call, since a not-yet-ready API server or transient network
// partition should not permanently fail startup.
func (w *Watcher) retryList(name string, options metav1.ListOptions) (runtime.Object, error) {
	var result *corev1.ConfigMapList
	err := wait.ExponentialBackoff(w.backoff(), func() (bool, error) {
		list, err := w.Client.CoreV1().ConfigMaps(w.Namespace).List(context.Background(), options)
		if err != nil {
			w.logger().V(1).Info("configmap list failed, retrying", "name", name, "error", err.Error())
			return false, nil
		}
		result = list
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", kferrors.ErrStreamDisconnected, name, err)
	}
	return result, nil
}

// applyConfig parses and installs the configuration ConfigMap,
// reverting to defaults on delete, retaining the previous configuration
// (and recording CONFIG_INVALID) on parse failure, and skipping the
// install (and any history event) when the parsed configuration is
// field-for-field equal to what's already installed.
func (w *Watcher) applyConfig(cm *corev1.ConfigMap) {
	var next config.Configuration
	if cm == nil {
		next = config.Default()
	} else {
		parsed, err := ParseConfig(cm.Data)
		if err != nil {
			observability.ConfigReloads.WithLabelValues("invalid").Inc()
			w.History.Append(history.AppendInput{
				EventType: history.EventConfigInvalid,
				Reason:    err.Error(),
			})
			w.logger().Error(err, "config configmap failed to parse, retaining previous configuration")
			return
		}
		next = parsed
	}

	w.mu.Lock()
	unchanged := w.haveConfig && configEqual(w.lastConfig, next)
	prev := w.lastConfig
	w.lastConfig = next
	w.haveConfig = true
	w.mu.Unlock()

	if unchanged {
		observability.ConfigReloads.WithLabelValues("unchanged").Inc()
		return
	}

	w.Config.Install(next)
	observability.ConfigReloads.WithLabelValues("applied").Inc()

	if next.FreezeEnabled && !prev.FreezeEnabled {
		w.History.Append(history.AppendInput{EventType: history.EventFreezeEnabled, Reason: next.FreezeMessage})
	} else if !next.FreezeEnabled && prev.FreezeEnabled {
		w.History.Append(history.AppendInput{EventType: history.EventFreezeDisabled})
	}
}

// applySchedules parses and installs the schedule list ConfigMap.
// Per-schedule parse errors are logged and skipped (ParseSchedules);
// the ConfigMap itself is only rejected wholesale on malformed JSON.
func (w *Watcher) applySchedules(cm *corev1.ConfigMap) {
	var next map[string]schedule.Schedule
	if cm == nil {
		next = map[string]schedule.Schedule{}
	} else {
		raw := []byte(cm.Data["schedules.json"])
		parsed, errs := ParseSchedules(raw)
		if parsed == nil {
			observability.ConfigReloads.WithLabelValues("invalid").Inc()
			reason := "schedules payload is not valid JSON"
			if len(errs) > 0 {
				reason = errs[0].Error()
			}
			w.History.Append(history.AppendInput{EventType: history.EventConfigInvalid, Reason: reason})
			w.logger().Error(fmt.Errorf("%s", reason), "schedule configmap failed to parse, retaining previous schedules")
			return
		}
		for _, e := range errs {
			w.logger().Info("schedule skipped", "error", e.Error())
		}
		next = parsed
	}

	w.mu.Lock()
	unchanged := w.haveSchedules && schedulesEqual(w.lastSchedules, next)
	prev := w.lastSchedules
	w.lastSchedules = next
	w.haveSchedules = true
	w.mu.Unlock()

	if unchanged {
		observability.ConfigReloads.WithLabelValues("unchanged").Inc()
		return
	}

	w.Schedules.ReplaceAll(next)
	observability.ConfigReloads.WithLabelValues("applied").Inc()

	for _, kind := range []schedule.Kind{schedule.KindAbsolute, schedule.KindRecurring, schedule.KindWindowed} {
		observability.ActiveSchedules.WithLabelValues(kindLabel(kind)).Set(float64(countKind(next, kind)))
	}

	for name := range next {
		if _, existed := prev[name]; !existed {
			w.History.Append(history.AppendInput{EventType: history.EventScheduleCreated, ResourceName: name})
		}
	}
	for name := range prev {
		if _, still := next[name]; !still {
			w.History.Append(history.AppendInput{EventType: history.EventScheduleDeleted, ResourceName: name})
		}
	}
	for _, warn := range w.Schedules.Warnings() {
		w.logger().Info("schedule is misconfigured and will never activate", "name", warn)
		w.History.Append(history.AppendInput{
			EventType:    history.EventConfigInvalid,
			Reason:       "schedule has neither a start/end window nor a cron expression and will never activate",
			ResourceName: warn,
		})
	}
}

// applyHistory rehydrates the recorder once at startup from a
// previously persisted event log. It is intentionally a no-op after
// the recorder already holds events, since Rehydrate would otherwise
// clobber events appended since process start.
func (w *Watcher) applyHistory(cm *corev1.ConfigMap) {
	if cm == nil || w.History.Len() > 0 {
		return
	}
	raw := []byte(cm.Data["events.json"])
	events, err := ParseHistory(raw)
	if err != nil {
		w.logger().Error(err, "history configmap failed to parse, starting with an empty log")
		return
	}
	if len(events) > 0 {
		w.History.Rehydrate(events)
	}
}

func kindLabel(k schedule.Kind) string {
	switch k {
	case schedule.KindAbsolute:
		return "absolute"
	case schedule.KindRecurring:
		return "recurring"
	case schedule.KindWindowed:
		return "windowed"
	default:
		return "invalid"
	}
}

func countKind(schedules map[string]schedule.Schedule, kind schedule.Kind) int {
	n := 0
	for _, s := range schedules {
		if s.Kind == kind {
			n++
		}
	}
	return n
}
