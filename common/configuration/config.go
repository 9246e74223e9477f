package configuration

import (
	"errors"
	"strings"

	"github.com/goccy/go-json"
)

const (
	// DefaultWorkerPoolSize is used when worker_pool_size is unset.
	DefaultWorkerPoolSize = 4

	// DefaultAdmissionOvercommitFactor is used when admission_overcommit_factor
	// is unset. A factor of 1.0 admits sessions up to (but never past) the
	// declared device capacities.
	DefaultAdmissionOvercommitFactor = 1.0
)

var (
	// ErrUnspecifiedScheduler indicates that no scheduler_name was configured.
	ErrUnspecifiedScheduler = errors.New("no scheduler name specified in engine options")

	// ErrInvalidWorkerPoolSize indicates a non-positive worker_pool_size.
	ErrInvalidWorkerPoolSize = errors.New("worker pool size must be positive")
)

// SchedulerOptions contains all configuration parameters recognized by the
// execution engine.
type SchedulerOptions struct {
	SchedulerName             string  `name:"scheduler_name"              json:"scheduler_name"              yaml:"scheduler_name"              description:"The scheduling policy to use. The policy must have been registered with the scheduler registry; the module ships 'fifo'."`
	WorkerPoolSize            int     `name:"worker_pool_size"            json:"worker_pool_size"            yaml:"worker_pool_size"            description:"Number of worker goroutines executing prepared operations. Defaults to 4."`
	AdmissionOvercommitFactor float64 `name:"admission_overcommit_factor" json:"admission_overcommit_factor" yaml:"admission_overcommit_factor" description:"Multiplier applied to device capacities when deciding whether a new session's predicted footprint is safe to admit. Defaults to 1.0."`
	PrometheusMetricsEnabled  bool    `name:"prometheus_metrics_enabled"  json:"prometheus_metrics_enabled"  yaml:"prometheus_metrics_enabled"  description:"If true, the engine registers its counters and gauges with the default Prometheus registerer."`
}

// Validate applies defaults and rejects unusable combinations. The engine
// calls Validate before starting the scheduler.
func (opts *SchedulerOptions) Validate() error {
	if strings.TrimSpace(opts.SchedulerName) == "" {
		return ErrUnspecifiedScheduler
	}

	if opts.WorkerPoolSize == 0 {
		opts.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if opts.WorkerPoolSize < 0 {
		return ErrInvalidWorkerPoolSize
	}

	if opts.AdmissionOvercommitFactor <= 0 {
		opts.AdmissionOvercommitFactor = DefaultAdmissionOvercommitFactor
	}

	return nil
}

func (opts *SchedulerOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// PrettyString is the same as String, except that PrettyString calls
// json.MarshalIndent instead of json.Marshal.
func (opts *SchedulerOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(opts, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}
