package stats

import (
	"io"

	"github.com/google/pprof/profile"
)

// WriteProfile encodes the registry's counters as a pprof profile with
// one sample per counter, so operators can inspect channel subsystem
// activity with standard pprof tooling instead of a bespoke format.
//
// Each sample carries no call stack (Location is empty); the counter
// name is carried as a "counter" label instead, since these are point
// totals, not stack-attributed samples.
func (r *Registry) WriteProfile(w io.Writer) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "count", Unit: "count"},
		},
		PeriodType: &profile.ValueType{Type: "events", Unit: "count"},
		Period:     1,
	}
	for _, f := range r.fields() {
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{f.C.Load()},
			Label: map[string][]string{"counter": {f.Name}},
		})
	}
	if err := p.CheckValid(); err != nil {
		return err
	}
	return p.Write(w)
}
