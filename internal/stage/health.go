package stage

import "strings"

// Health is the readiness of one pipeline stage as reported to operators.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy reports a ready stage.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy reports a stage that cannot currently make progress.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Detail: detail}
}

// Degraded lists "name: detail" for every stage that is not ready.
func Degraded(checks []Health) []string {
	var out []string
	for _, h := range checks {
		if h.Ready {
			continue
		}
		out = append(out, strings.TrimSuffix(h.Name+": "+h.Detail, ": "))
	}
	return out
}
