package jobs

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if got := len(m.Collectors()); got != 3 {
		t.Errorf("len(Collectors()) = %d, want 3", got)
	}
}

func TestMetrics_Register(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		m := NewMetrics()
		reg := prometheus.NewRegistry()
		if err := m.Register(reg); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		m.IncJobsTotal(JobTypeRankerRefresh, StatusSuccess)
		m.ObserveJobDuration(JobTypeRankerRefresh, 0.2)
		m.IncJobErrors(JobTypeRankerRefresh, "load_error")

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather() error = %v", err)
		}
		want := map[string]bool{
			MetricBackgroundJobsTotal:      false,
			MetricBackgroundJobsDuration:   false,
			MetricBackgroundJobErrorsTotal: false,
		}
		for _, f := range families {
			if _, ok := want[f.GetName()]; ok {
				want[f.GetName()] = true
			}
		}
		for name, found := range want {
			if !found {
				t.Errorf("metric %s not gathered", name)
			}
		}
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if err := NewMetrics().Register(reg); err != nil {
			t.Fatalf("first Register() error = %v", err)
		}
		if err := NewMetrics().Register(reg); err == nil {
			t.Error("second Register() error = nil, want error")
		}
	})
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues() error = %v", err)
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func histogramCount(t *testing.T, vec *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	o, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues() error = %v", err)
	}
	var m dto.Metric
	if err := o.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestMetrics_Labels(t *testing.T) {
	m := NewMetrics()

	m.IncJobsTotal(JobTypeRankerRefresh, StatusSuccess)
	m.IncJobsTotal(JobTypeRankerRefresh, StatusSuccess)
	m.IncJobsTotal(JobTypeRankerRefresh, StatusFailure)
	m.IncJobsTotal(JobTypeWeightPersist, StatusSkipped)
	m.ObserveJobDuration(JobTypeWeightPersist, 0.01)
	m.IncJobErrors(JobTypeRankerRefresh, "timeout")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"refresh success", counterValue(t, m.jobsTotal, JobTypeRankerRefresh, StatusSuccess), 2},
		{"refresh failure", counterValue(t, m.jobsTotal, JobTypeRankerRefresh, StatusFailure), 1},
		{"persist skipped", counterValue(t, m.jobsTotal, JobTypeWeightPersist, StatusSkipped), 1},
		{"refresh timeout", counterValue(t, m.jobErrors, JobTypeRankerRefresh, "timeout"), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if n := histogramCount(t, m.jobsDuration, JobTypeWeightPersist); n != 1 {
		t.Errorf("duration samples = %d, want 1", n)
	}
}

func TestMetrics_Concurrent(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				m.IncJobsTotal(JobTypeRankerRefresh, StatusSuccess)
			}
		}()
	}
	wg.Wait()

	if got := counterValue(t, m.jobsTotal, JobTypeRankerRefresh, StatusSuccess); got != 1000 {
		t.Errorf("jobs total = %v, want 1000", got)
	}
}
