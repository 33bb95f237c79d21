package reconciler

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 汇总对账器计数器，注册到调用方提供的 Registerer。
type Metrics struct {
	InstallFetches  prometheus.Counter
	InstallFailures prometheus.Counter
	CacheDeletions  prometheus.Counter
	FetchOutcomes   *prometheus.CounterVec
}

// NewMetrics 创建计数器；reg 为 nil 时只创建不注册。
// 同一 Registerer 上重复创建时复用已注册的计数器。
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		InstallFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sw_precache",
			Name:      "install_fetches_total",
			Help:      "Precache entries fetched during install.",
		}),
		InstallFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sw_precache",
			Name:      "install_failures_total",
			Help:      "Install attempts that failed.",
		}),
		CacheDeletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sw_precache",
			Name:      "cache_deletions_total",
			Help:      "Cache namespaces deleted by install cleanup or delete_all.",
		}),
		FetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sw_precache",
			Name:      "fetch_outcomes_total",
			Help:      "Intercepted fetches by response source.",
		}, []string{"source"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	m.InstallFetches, err = register(reg, m.InstallFetches)
	if err != nil {
		return nil, err
	}
	m.InstallFailures, err = register(reg, m.InstallFailures)
	if err != nil {
		return nil, err
	}
	m.CacheDeletions, err = register(reg, m.CacheDeletions)
	if err != nil {
		return nil, err
	}
	m.FetchOutcomes, err = register(reg, m.FetchOutcomes)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
