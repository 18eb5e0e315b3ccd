package installer

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeCancelled = "cancelled"
	outcomeRefused   = "refused"
)

type metrics struct {
	downloads   *prometheus.CounterVec
	extractions *prometheus.CounterVec
	installs    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "selfupdate",
			Subsystem: "installer",
			Name:      name,
			Help:      help,
		}, []string{"outcome"})
	}

	m := &metrics{
		downloads:   counter("downloads_total", "Artifact transfers by outcome."),
		extractions: counter("extractions_total", "Artifact verifications and unpacks by outcome."),
		installs:    counter("installs_total", "Install steps by outcome."),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.downloads, m.extractions, m.installs} {
			if err := reg.Register(c); err != nil {
				log.Warnf("failed to register installer metric: %v", err)
			}
		}
	}
	return m
}
