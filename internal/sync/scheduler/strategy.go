package scheduler

import (
	"fmt"
	"io"
	"time"

	"github.com/kelmah/offlinesync/internal/sync/network"
)

// Strategy sizes a cycle for a network class.
type Strategy struct {
	BatchSize    int           `yaml:"batch_size" json:"batch_size"`
	Concurrency  int           `yaml:"concurrency" json:"concurrency"`
	Pause        time.Duration `yaml:"pause" json:"pause"` // between batches
	PriorityOnly bool          `yaml:"priority_only" json:"priority_only"`
}

func (st Strategy) normalize() Strategy {
	if st.BatchSize < 1 {
		st.BatchSize = 1
	}
	if st.Concurrency < 1 {
		st.Concurrency = 1
	}
	if st.Concurrency > st.BatchSize {
		st.Concurrency = st.BatchSize
	}
	if st.Pause < 0 {
		st.Pause = 0
	}
	return st
}

// DefaultStrategies returns the built-in strategy table.
func DefaultStrategies() map[network.Class]Strategy {
	return map[network.Class]Strategy{
		network.Class2G:   {BatchSize: 1, Concurrency: 1, Pause: 5 * time.Second, PriorityOnly: true},
		network.Class3G:   {BatchSize: 3, Concurrency: 2, Pause: 3 * time.Second},
		network.Class4G:   {BatchSize: 5, Concurrency: 3, Pause: 2 * time.Second},
		network.ClassWiFi: {BatchSize: 10, Concurrency: 5, Pause: 1 * time.Second},
	}
}

// Classes lists the network classes in ascending quality.
var Classes = []network.Class{network.Class2G, network.Class3G, network.Class4G, network.ClassWiFi}

// WriteTable renders strategies one class per line.
func WriteTable(w io.Writer, strategies map[network.Class]Strategy) error {
	for _, class := range Classes {
		st, ok := strategies[class]
		if !ok {
			continue
		}
		_, err := fmt.Fprintf(w, "%-4s batch=%d concurrency=%d pause=%s priority_only=%t\n",
			class, st.BatchSize, st.Concurrency, st.Pause, st.PriorityOnly)
		if err != nil {
			return err
		}
	}
	return nil
}
